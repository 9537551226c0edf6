package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ExtraKind discriminates the variants of the requirements "extra" object.
type ExtraKind string

const (
	ExtraSimplePayment ExtraKind = "simple-payment"
	ExtraSubscription  ExtraKind = "subscription"
)

// SubscriptionPlan describes the recurring plan a subscription payment funds.
// Duration is in seconds.
type SubscriptionPlan struct {
	PlanID   string `json:"planId,omitempty"`
	Interval string `json:"interval,omitempty"`
	Duration int64  `json:"duration,omitempty"`
	Plan     string `json:"plan,omitempty"`
}

// Extra is the merchant metadata attached to PaymentRequirements. Name and
// Version feed the EIP-712 domain; Subscription is set for subscription
// requests. Keys this package does not know about are kept in Other and
// written back unchanged.
type Extra struct {
	Kind         ExtraKind
	Name         string
	Version      string
	Subscription *SubscriptionPlan
	Other        map[string]json.RawMessage
}

var extraKnownKeys = map[string]struct{}{
	"type": {}, "name": {}, "version": {},
	"planId": {}, "interval": {}, "duration": {}, "plan": {},
}

// Variant returns the effective kind. Without an explicit type, an extra that
// carries plan fields is a subscription.
func (e Extra) Variant() ExtraKind {
	if e.Kind != "" {
		return e.Kind
	}
	if e.Subscription != nil {
		return ExtraSubscription
	}
	return ExtraSimplePayment
}

// Canonical returns e in the form a JSON round trip reproduces. Other values
// are compacted and HTML-escaped the way encoding/json writes them, keys that
// shadow known fields are dropped, and empty Other maps and plans become nil.
func (e Extra) Canonical() (Extra, error) {
	if e.Subscription != nil {
		if *e.Subscription == (SubscriptionPlan{}) {
			e.Subscription = nil
		} else {
			plan := *e.Subscription
			e.Subscription = &plan
		}
	}
	var other map[string]json.RawMessage
	for k, v := range e.Other {
		if _, known := extraKnownKeys[k]; known {
			continue
		}
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		var compact, b bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return Extra{}, fmt.Errorf("extra.%s: %w", k, err)
		}
		json.HTMLEscape(&b, compact.Bytes())
		if other == nil {
			other = make(map[string]json.RawMessage, len(e.Other))
		}
		other[k] = b.Bytes()
	}
	e.Other = other
	return e, nil
}

// MarshalJSON flattens the variant fields and the pass-through keys into one object.
func (e Extra) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Other)+6)
	for k, v := range e.Other {
		out[k] = v
	}
	if e.Kind != "" {
		out["type"] = e.Kind
	}
	if e.Name != "" {
		out["name"] = e.Name
	}
	if e.Version != "" {
		out["version"] = e.Version
	}
	if s := e.Subscription; s != nil {
		if s.PlanID != "" {
			out["planId"] = s.PlanID
		}
		if s.Interval != "" {
			out["interval"] = s.Interval
		}
		if s.Duration != 0 {
			out["duration"] = s.Duration
		}
		if s.Plan != "" {
			out["plan"] = s.Plan
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the object into known fields and pass-through keys.
func (e *Extra) UnmarshalJSON(data []byte) error {
	*e = Extra{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	str := func(key string) (string, error) {
		v, ok := raw[key]
		if !ok {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("extra.%s: %w", key, err)
		}
		return s, nil
	}

	kind, err := str("type")
	if err != nil {
		return err
	}
	switch ExtraKind(kind) {
	case "", ExtraSimplePayment, ExtraSubscription:
		e.Kind = ExtraKind(kind)
	default:
		return fmt.Errorf("extra.type: unknown variant %q", kind)
	}
	if e.Name, err = str("name"); err != nil {
		return err
	}
	if e.Version, err = str("version"); err != nil {
		return err
	}

	var plan SubscriptionPlan
	if plan.PlanID, err = str("planId"); err != nil {
		return err
	}
	if plan.Interval, err = str("interval"); err != nil {
		return err
	}
	if plan.Plan, err = str("plan"); err != nil {
		return err
	}
	if v, ok := raw["duration"]; ok {
		if err := json.Unmarshal(v, &plan.Duration); err != nil {
			return fmt.Errorf("extra.duration: %w", err)
		}
	}
	// A plan whose fields are all empty marshals to nothing, so it decodes to nil.
	if plan != (SubscriptionPlan{}) {
		e.Subscription = &plan
	}

	for k, v := range raw {
		if _, known := extraKnownKeys[k]; known {
			continue
		}
		if e.Other == nil {
			e.Other = make(map[string]json.RawMessage)
		}
		e.Other[k] = v
	}
	return nil
}
