// Package carrier provides the contract every shipping carrier integration
// implements, and the registry that selects an integration for an account.
package carrier

import (
	"context"
)

// Adapter defines the capabilities that all carrier integrations must implement.
//
// Carrier-side rejections of a quote are reported in QuoteResult.Errors, not
// as an error Result. Transport failures (timeouts, 5xx, undecodable bodies)
// are reported as a CarrierError.
type Adapter interface {
	// Name returns the carrier identifier (e.g., "freightcom", "canadapost").
	Name() string

	// Init loads credentials and settings for the account. It fails with an
	// error wrapping ErrConfiguration when the carrier record or a required
	// secret is missing.
	Init(ctx context.Context) error

	// Quote returns rate options for a shipment.
	Quote(ctx context.Context, shipment *Shipment, international bool) Result[*QuoteResult]

	// CreateLabel purchases a label for the selected rate. Callers invoke it
	// at most once per successful balance charge; it is never retried.
	CreateLabel(ctx context.Context, shipment *Shipment, rate Rate) Result[*LabelResult]
}

// Manifester submits an end-of-day manifest for issued labels.
type Manifester interface {
	Manifest(ctx context.Context, req *ManifestRequest) Result[*ManifestResult]
}

// ManifestFetcher retrieves a previously submitted manifest.
type ManifestFetcher interface {
	GetManifest(ctx context.Context, manifestID string) Result[*ManifestResult]
}

// LabelRef identifies an issued label. Carriers key their void and tracking
// endpoints differently, so both identifiers travel together.
type LabelRef struct {
	TrackingID        string
	CarrierShipmentID string
}

// Canceller voids an issued label.
type Canceller interface {
	CancelLabel(ctx context.Context, ref LabelRef) Result[*CancelResult]
}

// Tracker returns tracking events for an issued label.
type Tracker interface {
	Track(ctx context.Context, ref LabelRef) Result[*TrackResult]
}

// AddressValidator checks an address with the carrier.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, addr Address) Result[*AddressValidation]
}

// Capabilities lists the optional interfaces an adapter implements.
type Capabilities struct {
	Manifest        bool
	GetManifest     bool
	Cancel          bool
	Track           bool
	ValidateAddress bool
}

// CapabilitiesOf inspects a for optional capabilities.
func CapabilitiesOf(a Adapter) Capabilities {
	_, manifest := a.(Manifester)
	_, getManifest := a.(ManifestFetcher)
	_, cancel := a.(Canceller)
	_, track := a.(Tracker)
	_, validate := a.(AddressValidator)
	return Capabilities{
		Manifest:        manifest,
		GetManifest:     getManifest,
		Cancel:          cancel,
		Track:           track,
		ValidateAddress: validate,
	}
}

// CredentialSource resolves a credentials reference into secrets.
type CredentialSource interface {
	Credentials(ctx context.Context, ref string) (map[string]string, error)
}
