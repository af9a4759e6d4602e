package canadapost

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// Media types of the Canada Post web services.
const (
	mediaRate     = "application/vnd.cpc.ship.rate-v4+xml"
	mediaShipment = "application/vnd.cpc.shipment-v8+xml"
	mediaManifest = "application/vnd.cpc.manifest-v8+xml"
	mediaTrack    = "application/vnd.cpc.track-v2+xml"
)

// HTTPAPIClient is the production APIClient, speaking XML over HTTP.
type HTTPAPIClient struct {
	baseURL        string
	username       string
	password       string
	customerNumber string
	httpClient     *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL        string
	Username       string
	Password       string
	CustomerNumber string
	Timeout        time.Duration
	HTTPClient     *http.Client // optional, replaces the default client
}

// NewHTTPAPIClient creates a new HTTP API client.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPAPIClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		username:       cfg.Username,
		password:       cfg.Password,
		customerNumber: cfg.CustomerNumber,
		httpClient:     hc,
	}
}

type mailingScenario struct {
	XMLName          xml.Name       `xml:"mailing-scenario"`
	Xmlns            string         `xml:"xmlns,attr"`
	CustomerNumber   string         `xml:"customer-number,omitempty"`
	ContractID       string         `xml:"contract-id,omitempty"`
	Parcel           xmlParcel      `xml:"parcel-characteristics"`
	OriginPostalCode string         `xml:"origin-postal-code"`
	Destination      xmlDestination `xml:"destination"`
}

type xmlParcel struct {
	Weight     float64        `xml:"weight"`
	Dimensions *xmlDimensions `xml:"dimensions,omitempty"`
}

type xmlDimensions struct {
	Length float64 `xml:"length"`
	Width  float64 `xml:"width"`
	Height float64 `xml:"height"`
}

type xmlDestination struct {
	Domestic      *xmlDomestic      `xml:"domestic,omitempty"`
	UnitedStates  *xmlUnitedStates  `xml:"united-states,omitempty"`
	International *xmlInternational `xml:"international,omitempty"`
}

type xmlDomestic struct {
	PostalCode string `xml:"postal-code"`
}

type xmlUnitedStates struct {
	ZipCode string `xml:"zip-code"`
}

type xmlInternational struct {
	Country string `xml:"country-code"`
}

type priceQuotes struct {
	XMLName xml.Name `xml:"price-quotes"`
	Quotes  []struct {
		ServiceCode string  `xml:"service-code"`
		ServiceName string  `xml:"service-name"`
		Due         float64 `xml:"price-details>due"`
		TransitDays int     `xml:"service-standard>expected-transit-time"`
	} `xml:"price-quote"`
}

type xmlShipment struct {
	XMLName          xml.Name        `xml:"shipment"`
	Xmlns            string          `xml:"xmlns,attr"`
	GroupID          string          `xml:"group-id"`
	ShippingPoint    string          `xml:"requested-shipping-point"`
	DeliverySpec     xmlDeliverySpec `xml:"delivery-spec"`
	CustomerRequest1 string          `xml:"references>customer-ref-1,omitempty"`
}

type xmlDeliverySpec struct {
	ServiceCode string        `xml:"service-code"`
	Sender      xmlParty      `xml:"sender"`
	Destination xmlParty      `xml:"destination"`
	Parcel      xmlParcel     `xml:"parcel-characteristics"`
	Print       xmlPrint      `xml:"print-preferences"`
	Customs     *xmlCustoms   `xml:"customs,omitempty"`
	Settlement  xmlSettlement `xml:"settlement-info"`
}

type xmlParty struct {
	Name    string     `xml:"name"`
	Company string     `xml:"company,omitempty"`
	Phone   string     `xml:"contact-phone,omitempty"`
	Address xmlAddress `xml:"address-details"`
}

type xmlAddress struct {
	Line1      string `xml:"address-line-1"`
	Line2      string `xml:"address-line-2,omitempty"`
	City       string `xml:"city"`
	ProvState  string `xml:"prov-state"`
	PostalCode string `xml:"postal-zip-code"`
	Country    string `xml:"country-code"`
}

type xmlPrint struct {
	OutputFormat string `xml:"output-format"`
	Encoding     string `xml:"encoding"`
}

type xmlCustoms struct {
	Currency     string `xml:"currency"`
	ReasonExport string `xml:"reason-for-export"`
	Value        string `xml:"sku-list>item>unit-price"`
}

type xmlSettlement struct {
	Method string `xml:"intended-method-of-payment"`
}

type shipmentInfo struct {
	XMLName     xml.Name  `xml:"shipment-info"`
	ShipmentID  string    `xml:"shipment-id"`
	Status      string    `xml:"shipment-status"`
	TrackingPIN string    `xml:"tracking-pin"`
	Links       []xmlLink `xml:"links>link"`
}

type xmlLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type transmitSet struct {
	XMLName       xml.Name `xml:"transmit-set"`
	Xmlns         string   `xml:"xmlns,attr"`
	GroupIDs      []string `xml:"group-ids>group-id"`
	ShippingPoint string   `xml:"requested-shipping-point"`
	ShippingDate  string   `xml:"shipping-point-date,omitempty"`
	DetailedMan   bool     `xml:"detailed-manifests"`
	Method        string   `xml:"method-of-payment"`
}

type manifests struct {
	XMLName xml.Name  `xml:"manifests"`
	Links   []xmlLink `xml:"link"`
}

type xmlManifest struct {
	XMLName  xml.Name  `xml:"manifest"`
	PONumber string    `xml:"po-number"`
	PINs     []string  `xml:"shipment-pins>pin"`
	Links    []xmlLink `xml:"links>link"`
}

type trackingSummary struct {
	XMLName xml.Name `xml:"tracking-summary"`
	PIN     struct {
		PIN         string `xml:"pin"`
		Type        string `xml:"event-type"`
		Description string `xml:"event-description"`
		DateTime    string `xml:"event-date-time"`
		Location    string `xml:"event-location"`
	} `xml:"pin-summary"`
}

type messages struct {
	XMLName  xml.Name `xml:"messages"`
	Messages []struct {
		Code        string `xml:"code"`
		Description string `xml:"description"`
	} `xml:"message"`
}

// GetRates prices one parcel.
func (c *HTTPAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	scenario := mailingScenario{
		Xmlns:            "http://www.canadapost.ca/ws/ship/rate-v4",
		CustomerNumber:   req.CustomerNumber,
		ContractID:       req.ContractID,
		OriginPostalCode: normalizePostalCode(req.OriginPostal),
		Parcel:           xmlParcel{Weight: round3(req.Weight)},
	}
	if req.Length > 0 {
		scenario.Parcel.Dimensions = &xmlDimensions{Length: round1(req.Length), Width: round1(req.Width), Height: round1(req.Height)}
	}
	switch strings.ToUpper(req.Country) {
	case "CA", "":
		scenario.Destination.Domestic = &xmlDomestic{PostalCode: normalizePostalCode(req.PostalCode)}
	case "US":
		scenario.Destination.UnitedStates = &xmlUnitedStates{ZipCode: strings.TrimSpace(req.PostalCode)}
	default:
		scenario.Destination.International = &xmlInternational{Country: strings.ToUpper(req.Country)}
	}

	var quotes priceQuotes
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/rs/ship/price", mediaRate, scenario, &quotes); err != nil {
		return nil, err
	}
	out := &RatesResponse{}
	for _, q := range quotes.Quotes {
		out.Rates = append(out.Rates, Rate{ServiceCode: q.ServiceCode, ServiceName: q.ServiceName, Due: q.Due, TransitDays: q.TransitDays})
	}
	return out, nil
}

// CreateShipment creates a shipment and returns its label links.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	body := xmlShipment{
		Xmlns:            "http://www.canadapost.ca/ws/shipment-v8",
		GroupID:          req.GroupID,
		ShippingPoint:    normalizePostalCode(req.OriginPostal),
		CustomerRequest1: req.Reference,
		DeliverySpec: xmlDeliverySpec{
			ServiceCode: req.ServiceCode,
			Sender:      party(req.Sender),
			Destination: party(req.Destination),
			Parcel:      xmlParcel{Weight: round3(req.Weight)},
			Print:       xmlPrint{OutputFormat: "4x6", Encoding: "PDF"},
			Settlement:  xmlSettlement{Method: "Account"},
		},
	}
	if req.Length > 0 {
		body.DeliverySpec.Parcel.Dimensions = &xmlDimensions{Length: round1(req.Length), Width: round1(req.Width), Height: round1(req.Height)}
	}
	if req.Customs != nil {
		body.DeliverySpec.Customs = &xmlCustoms{
			Currency:     req.Customs.Currency,
			ReasonExport: "SOG",
			Value:        fmt.Sprintf("%.2f", req.Customs.Value),
		}
	}

	var info shipmentInfo
	url := fmt.Sprintf("%s/rs/%s/%s/shipment", c.baseURL, c.customerNumber, c.customerNumber)
	if err := c.do(ctx, http.MethodPost, url, mediaShipment, body, &info); err != nil {
		return nil, err
	}

	out := &ShipmentResponse{ShipmentID: info.ShipmentID, TrackingPIN: info.TrackingPIN, Status: info.Status}
	for _, l := range info.Links {
		switch l.Rel {
		case "label":
			out.LabelHref = l.Href
		case "commercialInvoice":
			out.CustomsHref = l.Href
		}
	}
	return out, nil
}

// GetArtifact downloads a label document.
func (c *HTTPAPIClient) GetArtifact(ctx context.Context, href string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, href, "application/pdf", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// VoidShipment voids a shipment.
func (c *HTTPAPIClient) VoidShipment(ctx context.Context, shipmentID string) error {
	url := fmt.Sprintf("%s/rs/%s/%s/shipment/%s", c.baseURL, c.customerNumber, c.customerNumber, shipmentID)
	return c.do(ctx, http.MethodDelete, url, mediaShipment, nil, nil)
}

// Transmit closes out the given groups.
func (c *HTTPAPIClient) Transmit(ctx context.Context, req *TransmitRequest) (*TransmitResponse, error) {
	body := transmitSet{
		Xmlns:         "http://www.canadapost.ca/ws/manifest-v8",
		GroupIDs:      req.GroupIDs,
		ShippingPoint: normalizePostalCode(req.OriginPostal),
		ShippingDate:  req.ShippingDate,
		DetailedMan:   true,
		Method:        "Account",
	}
	var out manifests
	url := fmt.Sprintf("%s/rs/%s/%s/manifest", c.baseURL, c.customerNumber, c.customerNumber)
	if err := c.do(ctx, http.MethodPost, url, mediaManifest, body, &out); err != nil {
		return nil, err
	}
	resp := &TransmitResponse{}
	for _, l := range out.Links {
		if l.Rel == "manifest" {
			resp.ManifestIDs = append(resp.ManifestIDs, path.Base(l.Href))
		}
	}
	return resp, nil
}

// GetManifest returns a manifest and its PINs.
func (c *HTTPAPIClient) GetManifest(ctx context.Context, manifestID string) (*ManifestResponse, error) {
	var m xmlManifest
	url := fmt.Sprintf("%s/rs/%s/%s/manifest/%s", c.baseURL, c.customerNumber, c.customerNumber, manifestID)
	if err := c.do(ctx, http.MethodGet, url, mediaManifest, nil, &m); err != nil {
		return nil, err
	}
	out := &ManifestResponse{ManifestID: manifestID, PONumber: m.PONumber, PINs: m.PINs}
	for _, l := range m.Links {
		if l.Rel == "artifact" {
			out.DocumentURL = l.Href
		}
	}
	return out, nil
}

// GetTracking retrieves the tracking summary of a PIN.
func (c *HTTPAPIClient) GetTracking(ctx context.Context, pin string) (*TrackingResponse, error) {
	var summary trackingSummary
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/vis/track/pin/"+pin+"/summary", mediaTrack, nil, &summary); err != nil {
		return nil, err
	}
	return &TrackingResponse{
		PIN:              summary.PIN.PIN,
		EventType:        summary.PIN.Type,
		EventDescription: summary.PIN.Description,
		EventDateTime:    summary.PIN.DateTime,
		EventLocation:    summary.PIN.Location,
	}, nil
}

// do marshals body as XML, sends it and decodes a 2xx response into out.
func (c *HTTPAPIClient) do(ctx context.Context, method, url, media string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = xml.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, url, media, raw)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", media, err)
	}
	return nil
}

func (c *HTTPAPIClient) send(ctx context.Context, method, url, media string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept-Language", "en-CA")
	req.Header.Set("Accept", media)
	if body != nil {
		req.Header.Set("Content-Type", media)
	}
	return c.httpClient.Do(req)
}

func parseError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var msgs messages
	if err := xml.Unmarshal(raw, &msgs); err == nil && len(msgs.Messages) > 0 {
		return &APIError{Status: resp.StatusCode, Code: msgs.Messages[0].Code, Description: msgs.Messages[0].Description}
	}
	desc := strings.TrimSpace(string(raw))
	if desc == "" {
		desc = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Description: desc}
}

func party(a Address) xmlParty {
	return xmlParty{
		Name:    a.Name,
		Company: a.Company,
		Phone:   a.Phone,
		Address: xmlAddress{
			Line1:      a.AddressLine1,
			Line2:      a.AddressLine2,
			City:       a.City,
			ProvState:  a.Province,
			PostalCode: normalizePostalCode(a.PostalCode),
			Country:    a.CountryCode,
		},
	}
}

// normalizePostalCode removes spaces and upper-cases a postal code.
func normalizePostalCode(pc string) string {
	return strings.ReplaceAll(strings.ToUpper(pc), " ", "")
}

// Canada Post accepts three decimals for weight and one for dimensions.
func round3(v float64) float64 { return float64(int64(v*1000+0.5)) / 1000 }
func round1(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }

var _ APIClient = (*HTTPAPIClient)(nil)
