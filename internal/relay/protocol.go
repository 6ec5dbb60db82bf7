// internal/relay/protocol.go
package relay

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/biglietteria/sigillo-bridge/internal/logbuf"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
	"github.com/biglietteria/sigillo-bridge/internal/session"
)

// Wire message types. JSON over one persistent WebSocket connection.
const (
	typeAuth        = "auth"
	typeAuthOK      = "auth_ok"
	typeStatus      = "status"
	typeLog         = "log"
	typeSealRequest = "seal_request"
	typeSealResult  = "seal_result"
	typeConfigAck   = "config_ack"
)

// closeAuthRejected is the server's close code for a terminal auth failure.
const closeAuthRejected = 4001

// ---- outbound ----

type authMsg struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	CompanyID string `json:"companyId"`
	SessionID string `json:"sessionId"`
}

type statusMsg struct {
	Type            string `json:"type"`
	BridgeConnected bool   `json:"bridgeConnected"`
	ReaderConnected bool   `json:"readerConnected"`
	CardPresent     bool   `json:"cardPresent"`
}

func statusFrom(s session.StatusSnapshot) statusMsg {
	return statusMsg{
		Type:            typeStatus,
		BridgeConnected: s.State != session.StateIdle,
		ReaderConnected: s.ReaderPresent,
		CardPresent:     s.CardPresent,
	}
}

type logMsg struct {
	Type  string       `json:"type"`
	Entry logbuf.Entry `json:"entry"`
}

type sealResultMsg struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    *sealResultBody `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type sealResultBody struct {
	Mac     string `json:"mac"`
	Serial  string `json:"serialNumber"`
	Counter uint32 `json:"counter"`
}

func sealResultFrom(requestID string, res seal.Result) sealResultMsg {
	return sealResultMsg{
		Type:      typeSealResult,
		RequestID: requestID,
		Result: &sealResultBody{
			Mac:     hex.EncodeToString(res.MAC[:]),
			Serial:  res.Serial,
			Counter: res.Counter,
		},
	}
}

func sealErrorFrom(requestID string, err error) sealResultMsg {
	return sealResultMsg{
		Type:      typeSealResult,
		RequestID: requestID,
		Error:     err.Error(),
	}
}

// ---- inbound ----

type inboundMsg struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Price     json.Number `json:"price"`
	Timestamp string      `json:"timestamp"`
}

// parseSealRequest validates an inbound seal request.
func parseSealRequest(m inboundMsg) (seal.Request, error) {
	cents, err := seal.ParsePrice(m.Price.String())
	if err != nil {
		return seal.Request{}, err
	}
	ts, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return seal.Request{}, err
	}
	return seal.Request{PriceCents: cents, Timestamp: ts}, nil
}
