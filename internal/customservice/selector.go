// Package customservice picks a concrete carrier service for shipments that
// request the CUSTOM pseudo service.
package customservice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
)

// ServiceCustom is the service id a merchant sends to ask for rule based
// selection.
const ServiceCustom = "CUSTOM"

// Condition types understood by the selector.
const (
	ConditionWeight  = "weight"
	ConditionZipCode = "zipCode"
)

var (
	// ErrNoServiceMatch is returned when no candidate matches and there is no backup.
	ErrNoServiceMatch = errors.New("no matching service")
	// ErrInvalidCustomService is returned by Validate.
	ErrInvalidCustomService = errors.New("invalid custom service")
)

// Condition is one rule a candidate requires. Weight conditions use Min, Max
// and Unit; zipCode conditions use Prefixes.
type Condition struct {
	Type     string           `json:"type"`
	Min      *float64         `json:"min,omitempty"`
	Max      *float64         `json:"max,omitempty"`
	Unit     units.WeightUnit `json:"unit,omitempty"`
	Prefixes string           `json:"prefixes,omitempty"` // comma separated
}

// Candidate is a service the selector may choose.
type Candidate struct {
	ServiceID   string      `json:"serviceId"`
	ServiceKey  string      `json:"serviceKey,omitempty"`
	ServiceName string      `json:"serviceName,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty"`
	IsBackup    bool        `json:"isBackup,omitempty"`
}

// Service returns the candidate as a carrier service.
func (c Candidate) Service() carrier.Service {
	return carrier.Service{Key: c.ServiceKey, ID: c.ServiceID, Name: c.ServiceName}
}

// CustomService is a merchant's ordered selection rules for one carrier.
type CustomService struct {
	Name       string      `json:"name"`
	Carrier    string      `json:"carrier"`
	Candidates []Candidate `json:"candidates"`
}

// Validate rejects documents with more than one backup or a candidate without
// a service id.
func (cs *CustomService) Validate() error {
	backups := 0
	for i, c := range cs.Candidates {
		if c.ServiceID == "" {
			return fmt.Errorf("%w %s: candidate %d has no service id", ErrInvalidCustomService, cs.Name, i)
		}
		if c.IsBackup {
			backups++
		}
	}
	if backups > 1 {
		return fmt.Errorf("%w %s: %d backup candidates", ErrInvalidCustomService, cs.Name, backups)
	}
	return nil
}

// Selection is the outcome of Select.
type Selection struct {
	Candidate Candidate
	Backup    bool
}

// Select returns the first non-backup candidate whose conditions all hold,
// else the backup candidate, else ErrNoServiceMatch. The result depends only
// on the inputs.
func Select(s *carrier.Shipment, cs *CustomService) (*Selection, error) {
	if cs == nil {
		return nil, ErrNoServiceMatch
	}

	var backup *Candidate
	for i := range cs.Candidates {
		c := &cs.Candidates[i]
		if c.IsBackup {
			if backup == nil {
				backup = c
			}
			continue
		}
		ok, err := matches(s, c.Conditions)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Selection{Candidate: *c}, nil
		}
	}

	if backup != nil {
		return &Selection{Candidate: *backup, Backup: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoServiceMatch, cs.Name)
}

func matches(s *carrier.Shipment, conds []Condition) (bool, error) {
	for _, cond := range conds {
		ok, err := holds(s, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// holds evaluates one condition. Unknown condition types never hold.
func holds(s *carrier.Shipment, cond Condition) (bool, error) {
	switch cond.Type {
	case ConditionWeight:
		unit := s.WeightUnit()
		w, err := s.TotalWeight(unit)
		if err != nil {
			return false, err
		}
		if cond.Min != nil {
			lo, err := units.ConvertWeight(*cond.Min, cond.Unit, unit)
			if err != nil {
				return false, err
			}
			if w < lo {
				return false, nil
			}
		}
		if cond.Max != nil {
			hi, err := units.ConvertWeight(*cond.Max, cond.Unit, unit)
			if err != nil {
				return false, err
			}
			if w > hi {
				return false, nil
			}
		}
		return true, nil

	case ConditionZipCode:
		postal := normalizePostal(s.Recipient.PostalCode)
		for _, p := range strings.Split(cond.Prefixes, ",") {
			p = normalizePostal(p)
			if p != "" && strings.HasPrefix(postal, p) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func normalizePostal(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
