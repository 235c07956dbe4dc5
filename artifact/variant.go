package artifact

import (
	"bytes"
	"encoding/json"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// shapeProbe is decoded first to cheaply distinguish the four variants
// by which discriminating fields are present, mirroring spec section
// 4.3's dispatch rule: type => transporter, action+agentId => agent,
// action in {PING,QUIT} => control, identity+hostSelector =>
// identity-lookup.
type shapeProbe struct {
	Type         *string `json:"type"`
	Action       *string `json:"action"`
	AgentID      *string `json:"agentId"`
	Identity     *string `json:"identity"`
	HostSelector *string `json:"hostSelector"`
}

// Parsed bundles a detected Variant with the strongly-typed value it was
// decoded into, so the pipeline can type-switch on Variant and use
// Value directly without re-decoding.
type Parsed struct {
	Variant Variant
	Value   interface{}
}

// Detect parses raw JSON and returns the variant-tagged, schema-shaped
// value. It does not run field-level validation (see Validate); it only
// performs the tagged-union dispatch and structural decode.
func Detect(raw []byte) (Parsed, error) {
	var probe shapeProbe
	probeDec := json.NewDecoder(bytes.NewReader(raw))
	if err := probeDec.Decode(&probe); err != nil {
		return Parsed{}, berrors.Wrap(berrors.InvalidJSON, err, "decode artifact envelope")
	}

	switch {
	case probe.Action != nil && isControlAction(*probe.Action) && probe.AgentID == nil:
		var c Control
		if err := json.Unmarshal(raw, &c); err != nil {
			return Parsed{}, berrors.Wrap(berrors.InvalidJSON, err, "decode control artifact")
		}
		return Parsed{Variant: VariantControl, Value: c}, nil
	case probe.Action != nil && probe.AgentID != nil:
		var a Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			return Parsed{}, berrors.Wrap(berrors.InvalidJSON, err, "decode agent artifact")
		}
		return Parsed{Variant: VariantAgent, Value: a}, nil
	case probe.Type != nil:
		var t Transporter
		if err := json.Unmarshal(raw, &t); err != nil {
			return Parsed{}, berrors.Wrap(berrors.InvalidJSON, err, "decode transporter artifact")
		}
		return Parsed{Variant: VariantTransporter, Value: t}, nil
	case probe.Identity != nil && probe.HostSelector != nil:
		var l IdentityLookup
		if err := json.Unmarshal(raw, &l); err != nil {
			return Parsed{}, berrors.Wrap(berrors.InvalidJSON, err, "decode identity-lookup artifact")
		}
		return Parsed{Variant: VariantIdentityLookup, Value: l}, nil
	default:
		return Parsed{}, berrors.ValidationError("artifact shape matches no known variant")
	}
}

func isControlAction(action string) bool {
	return action == string(Ping) || action == string(Quit)
}
