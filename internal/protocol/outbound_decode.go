package protocol

import "encoding/json"

// DecodeOutbound parses a previously [Encode]d outbound frame back into its
// typed form. It exists primarily to support the round-trip property test
// (spec.md §8: decode(encode(F)) ≡ F) and is not used on the hot path —
// the brain never reads back its own writes.
func DecodeOutbound(data []byte) (Outbound, error) {
	var tagged struct {
		ResponseType string `json:"response_type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return Outbound{}, err
	}

	switch tagged.ResponseType {
	case TypeConfig:
		var c ConfigFrame
		if err := json.Unmarshal(data, &c); err != nil {
			return Outbound{}, err
		}
		return Outbound{Type: TypeConfig, Config: &c}, nil
	case TypeResponse:
		var r ResponseFrame
		if err := json.Unmarshal(data, &r); err != nil {
			return Outbound{}, err
		}
		return Outbound{Type: TypeResponse, Response: &r}, nil
	case TypePingPong:
		var p PingPong
		if err := json.Unmarshal(data, &p); err != nil {
			return Outbound{}, err
		}
		return Outbound{Type: TypePingPong, PingPong: &p}, nil
	case TypeAgentInterrupt:
		var a AgentInterruptFrame
		if err := json.Unmarshal(data, &a); err != nil {
			return Outbound{}, err
		}
		return Outbound{Type: TypeAgentInterrupt, AgentInterrupt: &a}, nil
	default:
		return Outbound{}, &DecodeError{Reason: ReasonBadJSON}
	}
}
