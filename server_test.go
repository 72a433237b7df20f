package receiptsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/receipt-sync/state"
	"github.com/matrix-org/receipt-sync/testutils"
)

var dbCounter int64

func newTestService(t *testing.T, opts Opts) *Service {
	t.Helper()
	n := atomic.AddInt64(&dbCounter, 1)
	opts.DBDriver = state.DriverSQLite
	opts.DB = fmt.Sprintf("file:receiptsync_%d?mode=memory&cache=shared", n)
	svc, err := Setup(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Teardown)
	return svc
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, resBody
}

func summaryPath(roomID string, eventIDs ...string) string {
	q := url.Values{}
	for _, id := range eventIDs {
		q.Add("event_id", id)
	}
	return "/_receiptsync/rooms/" + url.PathEscape(roomID) + "/receipts?" + q.Encode()
}

func TestServiceEndToEnd(t *testing.T) {
	svc := newTestService(t, Opts{SummaryCacheTTL: time.Hour})
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()
	roomID := "!room:localhost"
	alice := "@alice:localhost"
	bob := "@bob:localhost"

	body := testutils.NewSyncResponse(t, "s1", map[string]testutils.SyncRoom{
		roomID: {
			Timeline: []json.RawMessage{
				testutils.NewEvent(t, "$ev1", bob, 1000),
				testutils.NewEvent(t, "$ev2", bob, 2000),
			},
			Ephemeral: []json.RawMessage{
				testutils.NewReceiptEDU(t, testutils.Receipt{EventID: "$ev1", UserID: alice, TS: 100}),
			},
		},
	})
	summary, err := svc.ApplySyncResponse(context.Background(), "@me:localhost", body, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NumChanged)

	code, resBody := doRequest(t, srv, "GET", summaryPath(roomID, "$ev1", "$ev2"), nil)
	require.Equal(t, 200, code, string(resBody))
	parsed := gjson.ParseBytes(resBody)
	assert.Equal(t, "m.receipt", parsed.Get("type").Str)
	aliceReceipt := parsed.Get(`content.$ev1.m\.read`).Map()[alice]
	assert.Equal(t, float64(100), aliceReceipt.Get("ts").Num)
	assert.False(t, aliceReceipt.Get("thread_id").Exists())

	// alice reads $ev2 on the main thread
	code, resBody = doRequest(t, srv, "PUT", "/_receiptsync/rooms/"+url.PathEscape(roomID)+"/receipt/"+url.PathEscape("$ev2"),
		[]byte(`{"user_id":"@alice:localhost","thread_id":"main"}`))
	require.Equal(t, 200, code, string(resBody))
	assert.Equal(t, "applied", gjson.GetBytes(resBody, "outcome").Str)
	assert.Equal(t, int64(2), gjson.GetBytes(resBody, "num_changed").Int())

	// the cached summary is invalidated asynchronously
	require.Eventually(t, func() bool {
		code, resBody = doRequest(t, srv, "GET", summaryPath(roomID, "$ev1", "$ev2"), nil)
		parsed := gjson.ParseBytes(resBody)
		return code == 200 &&
			!parsed.Get(`content.$ev1`).Exists() &&
			parsed.Get(`content.$ev2.m\.read`).Map()[alice].Exists()
	}, 5*time.Second, 10*time.Millisecond, "summary never updated: %s", resBody)

	code, resBody = doRequest(t, srv, "GET", "/_receiptsync/rooms/"+url.PathEscape(roomID)+"/users/"+url.PathEscape(alice)+"/receipts", nil)
	require.Equal(t, 200, code, string(resBody))
	got := gjson.GetBytes(resBody, "receipts").Array()
	require.Len(t, got, 2)
	threads := []string{got[0].Get("thread_id").Str, got[1].Get("thread_id").Str}
	assert.ElementsMatch(t, []string{"", "main"}, threads)
	for _, r := range got {
		assert.Equal(t, "$ev2", r.Get("event_id").Str)
	}

	code, _ = doRequest(t, srv, "DELETE", "/_receiptsync/rooms/"+url.PathEscape(roomID), nil)
	require.Equal(t, 200, code)
	code, resBody = doRequest(t, srv, "GET", "/_receiptsync/rooms/"+url.PathEscape(roomID)+"/users/"+url.PathEscape(alice)+"/receipts", nil)
	require.Equal(t, 200, code)
	assert.Empty(t, gjson.GetBytes(resBody, "receipts").Array())
}

func TestServiceBadRequests(t *testing.T) {
	svc := newTestService(t, Opts{})
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()
	testCases := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
	}{
		{name: "summary without events", method: "GET", path: "/_receiptsync/rooms/!a/receipts", wantCode: 400},
		{name: "receipt without body", method: "PUT", path: "/_receiptsync/rooms/!a/receipt/$b", body: "", wantCode: 400},
		{name: "receipt without user", method: "PUT", path: "/_receiptsync/rooms/!a/receipt/$b", body: `{}`, wantCode: 400},
		{name: "receipt on internal thread", method: "PUT", path: "/_receiptsync/rooms/!a/receipt/$b", body: `{"user_id":"@a","thread_id":"main_or_nil"}`, wantCode: 400},
		{name: "unknown path", method: "GET", path: "/_receiptsync/nope", wantCode: 404},
	}
	for _, tc := range testCases {
		code, body := doRequest(t, srv, tc.method, tc.path, []byte(tc.body))
		if code != tc.wantCode {
			t.Errorf("%s: got HTTP %d want %d: %s", tc.name, code, tc.wantCode, body)
		}
	}
}

func TestApplySyncResponseRejectsBadJSON(t *testing.T) {
	svc := newTestService(t, Opts{})
	_, err := svc.ApplySyncResponse(context.Background(), "@me:localhost", []byte(`{"rooms":`), false)
	require.Error(t, err)
}

func TestSetupRejectsBadOpts(t *testing.T) {
	_, err := Setup(Opts{DBDriver: "mysql", DB: "x"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "mysql"), err.Error())
}
