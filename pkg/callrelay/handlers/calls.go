package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-callrelay/pkg/callrelay/mediastream"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/mw"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/supervisor"
	"github.com/vango-go/vai-callrelay/pkg/callrelay/telephony"
)

const maxFormBytes = 64 << 10

// StatusReceiver consumes Call Provider lifecycle callbacks.
type StatusReceiver interface {
	HandleCallStatus(ctx context.Context, callID, status string) error
}

// CallStatusHandler serves POST /call-status. The Call Provider posts a form
// with CallSid and CallStatus; JSON with callId and status is also accepted.
type CallStatusHandler struct {
	Receiver StatusReceiver
	Logger   *slog.Logger
}

func (h CallStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	callID, status, err := decodeCallStatus(r)
	if err != nil {
		mw.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if callID == "" {
		mw.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request_error", "missing CallSid")
		return
	}
	if status == "" {
		mw.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request_error", "missing CallStatus")
		return
	}

	if err := h.Receiver.HandleCallStatus(r.Context(), callID, status); err != nil {
		if errors.Is(err, supervisor.ErrMissingField) {
			mw.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if h.Logger != nil {
			h.Logger.Error("call status handling failed", "call_id", callID, "status", status, "error", err)
		}
		mw.WriteJSONError(w, r, http.StatusInternalServerError, "api_error", "call status handling failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeCallStatus(r *http.Request) (callID, status string, err error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			CallID     string `json:"callId"`
			Status     string `json:"status"`
			CallSid    string `json:"CallSid"`
			CallStatus string `json:"CallStatus"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return "", "", errors.New("invalid JSON body")
		}
		return strings.TrimSpace(firstNonEmpty(body.CallID, body.CallSid)),
			strings.TrimSpace(firstNonEmpty(body.Status, body.CallStatus)), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", errors.New("invalid form body")
	}
	return strings.TrimSpace(r.PostForm.Get("CallSid")), strings.TrimSpace(r.PostForm.Get("CallStatus")), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// CallPlacer places outbound calls. *supervisor.Supervisor satisfies it.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req supervisor.PlaceRequest) (telephony.Call, error)
	FetchCall(ctx context.Context, callID string) (telephony.Call, error)
	IsDraining() bool
}

type placeCallResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	CallID  string `json:"callId,omitempty"`
}

// CallsHandler serves POST /calls and GET /calls/{callID}.
type CallsHandler struct {
	Placer CallPlacer
	Logger *slog.Logger
}

func (h CallsHandler) Place(w http.ResponseWriter, r *http.Request) {
	if h.Placer.IsDraining() {
		writePlaceResult(w, http.StatusServiceUnavailable, placeCallResponse{Message: "relay is draining"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	var req supervisor.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writePlaceResult(w, http.StatusBadRequest, placeCallResponse{Message: "invalid JSON body"})
		return
	}

	call, err := h.Placer.PlaceCall(r.Context(), req)
	if err != nil {
		status, msg := placeCallError(err)
		if status >= http.StatusInternalServerError && h.Logger != nil {
			h.Logger.Error("place call failed", "request_id", requestIDFromContext(r), "error", err)
		}
		writePlaceResult(w, status, placeCallResponse{Message: msg})
		return
	}
	writePlaceResult(w, http.StatusOK, placeCallResponse{Success: true, Message: "Call initiated successfully", CallID: call.SID})
}

func placeCallError(err error) (int, string) {
	var apiErr *telephony.APIError
	switch {
	case errors.Is(err, supervisor.ErrMissingNumber):
		return http.StatusBadRequest, "Phone number is required"
	case errors.Is(err, supervisor.ErrNotAllowed):
		return http.StatusForbidden, "Could not initiate call, check if the number is allowed"
	case errors.Is(err, supervisor.ErrCallingDisabled):
		return http.StatusServiceUnavailable, "Outbound calling is not configured"
	case errors.Is(err, telephony.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many call requests, try again shortly"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "Error making call: " + apiErr.Message
	default:
		return http.StatusInternalServerError, "Error making call"
	}
}

func writePlaceResult(w http.ResponseWriter, status int, body placeCallResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "callID"))
	if callID == "" {
		mw.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request_error", "call id is required")
		return
	}
	call, err := h.Placer.FetchCall(r.Context(), callID)
	if err != nil {
		var apiErr *telephony.APIError
		switch {
		case errors.Is(err, supervisor.ErrCallingDisabled):
			mw.WriteJSONError(w, r, http.StatusServiceUnavailable, "api_error", "outbound calling is not configured")
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
			mw.WriteJSONError(w, r, http.StatusNotFound, "not_found_error", "call not found")
		default:
			if h.Logger != nil {
				h.Logger.Error("fetch call failed", "call_id", callID, "error", err)
			}
			mw.WriteJSONError(w, r, http.StatusBadGateway, "api_error", "call lookup failed")
		}
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(call)
}

// TwiMLHandler serves the call-answer document pointing the Call Provider at
// the media websocket.
type TwiMLHandler struct {
	PublicDomain string
}

func (h TwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	language := strings.TrimSpace(r.URL.Query().Get("language"))
	if language == "" {
		language = mediastream.DefaultLanguage
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = io.WriteString(w, telephony.StreamTwiML(telephony.MediaStreamURL(h.PublicDomain), language))
}
