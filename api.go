package receiptsync

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/receipt-sync/internal"
	"github.com/matrix-org/receipt-sync/receipts"
	"github.com/matrix-org/receipt-sync/sync2/handler2"
	"github.com/matrix-org/receipt-sync/sync3/caches"
)

// API serves the receipt read model.
type API struct {
	handler *handler2.Handler
	cache   *caches.ReceiptSummaryCache
}

type userReceipt struct {
	EventID  string  `json:"event_id"`
	ThreadID string  `json:"thread_id,omitempty"`
	TS       float64 `json:"ts"`
}

type sendReceiptResponse struct {
	Outcome    string `json:"outcome"`
	NumChanged int    `json:"num_changed"`
}

func (a *API) Register(r *mux.Router) {
	r.Handle("/_receiptsync/rooms/{roomID}/receipts", jsonAPI(a.getReceiptSummary)).Methods(http.MethodGet)
	r.Handle("/_receiptsync/rooms/{roomID}/users/{userID}/receipts", jsonAPI(a.getUserReceipts)).Methods(http.MethodGet)
	r.Handle("/_receiptsync/rooms/{roomID}/receipt/{eventID}", jsonAPI(a.sendReceipt)).Methods(http.MethodPut)
	r.Handle("/_receiptsync/rooms/{roomID}", jsonAPI(a.purgeRoom)).Methods(http.MethodDelete)
}

func jsonAPI(f func(req *http.Request) util.JSONResponse) http.Handler {
	return util.MakeJSONAPI(util.NewJSONRequestHandler(f))
}

func errorResponse(herr *internal.HandlerError) util.JSONResponse {
	return util.JSONResponse{
		Code: herr.StatusCode,
		JSON: map[string]string{"error": herr.Err.Error()},
	}
}

func internalError(req *http.Request, err error) util.JSONResponse {
	hlogger := logger.With().Str("path", req.URL.Path).Logger()
	hlogger.Err(err).Msg("request failed")
	internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
	return errorResponse(&internal.HandlerError{StatusCode: http.StatusInternalServerError, Err: err})
}

// GET /_receiptsync/rooms/{roomID}/receipts?event_id=$a&event_id=$b
func (a *API) getReceiptSummary(req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	eventIDs := req.URL.Query()["event_id"]
	if len(eventIDs) == 0 {
		return errorResponse(internal.BadRequest("missing event_id query parameter"))
	}
	summary, err := a.cache.Get(roomID, eventIDs)
	if err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: summary,
	}
}

// GET /_receiptsync/rooms/{roomID}/users/{userID}/receipts
func (a *API) getUserReceipts(req *http.Request) util.JSONResponse {
	vars := mux.Vars(req)
	roomID := vars["roomID"]
	userID := vars["userID"]
	byRoom, err := a.handler.Store.ReceiptTable.SelectReceiptsForUser([]string{roomID}, userID)
	if err != nil {
		return internalError(req, err)
	}
	result := make([]userReceipt, 0, len(byRoom[roomID]))
	for _, r := range byRoom[roomID] {
		ur := userReceipt{
			EventID:  r.EventID,
			ThreadID: r.ThreadID,
			TS:       r.TS,
		}
		if r.IsUnified() {
			ur.ThreadID = ""
		}
		result = append(result, ur)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"receipts": result},
	}
}

// PUT /_receiptsync/rooms/{roomID}/receipt/{eventID} {"user_id": "@alice:localhost", "thread_id": "main"}
func (a *API) sendReceipt(req *http.Request) util.JSONResponse {
	vars := mux.Vars(req)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return errorResponse(internal.BadRequest("failed to read body: %s", err))
	}
	if !gjson.ValidBytes(body) {
		return errorResponse(internal.BadRequest("body is not JSON"))
	}
	parsed := gjson.ParseBytes(body)
	userID := parsed.Get("user_id").Str
	if userID == "" {
		return errorResponse(internal.BadRequest("missing user_id"))
	}
	threadID := parsed.Get("thread_id").Str
	if threadID == internal.ThreadIDMainOrNil {
		return errorResponse(internal.BadRequest("invalid thread_id %s", threadID))
	}
	res := a.handler.SendLocalReceipt(req.Context(), vars["roomID"], userID, vars["eventID"], threadID)
	if res.Outcome == receipts.OutcomeSkipped {
		return internalError(req, res.Err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: sendReceiptResponse{
			Outcome:    res.Outcome.String(),
			NumChanged: len(res.Changed),
		},
	}
}

// DELETE /_receiptsync/rooms/{roomID}
func (a *API) purgeRoom(req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	if err := a.handler.PurgeRoom(req.Context(), roomID); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
