package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tcpscan/internal/alias"
	"tcpscan/internal/correction"
	"tcpscan/internal/metrics"
)

func newAliases(static map[string]string) *alias.Resolver {
	return alias.NewResolver(alias.Options{
		Interfaces:   []string{"eth0", "wlan0"},
		Static:       static,
		SystemLookup: func(string) bool { return false },
	})
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestCorrectionHandler(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
		wantState  correction.Snapshot
	}{
		{
			name:       "success: read state",
			target:     "/tcpflow",
			wantStatus: http.StatusOK,
			wantBody:   "Current correction factor: 1\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{}},
		},
		{
			name:       "success: set global default",
			target:     "/tcpflow?value=1.25",
			wantStatus: http.StatusOK,
			wantBody:   "Correction factor set to: 1.25\n",
			wantState:  correction.Snapshot{Default: 1.25, Overrides: map[string]float64{}},
		},
		{
			name:       "success: set interface",
			target:     "/tcpflow?value=2&nic=eth0",
			wantStatus: http.StatusOK,
			wantBody:   "Correction factor for eth0 set to: 2\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{"eth0": 2}},
		},
		{
			name:       "success: set via static alias",
			target:     "/tcpflow?value=0.5&nic=wan1",
			wantStatus: http.StatusOK,
			wantBody:   "Correction factor for wlan0 set to: 0.5\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{"wlan0": 0.5}},
		},
		{
			name:       "zero value",
			target:     "/tcpflow?value=0",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Value must be greater than 0\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{}},
		},
		{
			name:       "negative value with nic",
			target:     "/tcpflow?value=-3&nic=eth0",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Value must be greater than 0\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{}},
		},
		{
			name:       "not a number",
			target:     "/tcpflow?value=abc",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Value must be a number\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{}},
		},
		{
			name:       "nan",
			target:     "/tcpflow?value=NaN",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Value must be a number\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{}},
		},
		{
			name:       "unknown alias",
			target:     "/tcpflow?nic=unknown-alias&value=1.5",
			wantStatus: http.StatusNotFound,
			wantBody:   "Interface or alias \"unknown-alias\" not found\n",
			wantState:  correction.Snapshot{Default: 1, Overrides: map[string]float64{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := correction.New(1)
			h := CorrectionHandler("/tcpflow", store, newAliases(map[string]string{"wan1": "wlan0"}), zaptest.NewLogger(t))

			rec := get(t, h, tt.target)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, tt.wantState, store.Snapshot())
		})
	}
}

func TestCorrectionHandler_StateListsOverrides(t *testing.T) {
	store := correction.New(1.5)
	require.NoError(t, store.Set("eth0", 2))
	h := CorrectionHandler("/tcpflow", store, newAliases(nil), nil)

	rec := get(t, h, "/tcpflow")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Current correction factor: 1.5\n  eth0: 2\n", rec.Body.String())
}

func TestCorrectionHandler_MethodAndHealth(t *testing.T) {
	h := CorrectionHandler("/tcpflow", correction.New(1), newAliases(nil), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tcpflow?value=2", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndToEnd_CorrectionThenScrape(t *testing.T) {
	store := correction.New(1)
	reg := metrics.NewRegistry(store)
	reg.Record("eth0", "93.184.216.34", 26214400, 20*time.Millisecond, 65536)

	ctl := CorrectionHandler("/tcpflow", store, newAliases(nil), nil)
	scrape := MetricsHandler(reg, nil)

	rec := get(t, scrape, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), `tcp_traffic_scan_tcp_bandwidth_bps{interface="eth0",server_ip="93.184.216.34"} 2.62144e+07`)

	rec = get(t, ctl, "/tcpflow?value=2.0&nic=eth0")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, scrape, "/metrics")
	assert.Contains(t, rec.Body.String(), `tcp_traffic_scan_tcp_bandwidth_bps{interface="eth0",server_ip="93.184.216.34"} 5.24288e+07`)
}

type failingRenderer struct{}

func (failingRenderer) Render(io.Writer) error { return errors.New("boom") }
func (failingRenderer) ContentType() string    { return "text/plain" }

func TestMetricsHandler_RenderError(t *testing.T) {
	rec := get(t, MetricsHandler(failingRenderer{}, nil), "/metrics")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	store := correction.New(1)
	s := NewServer("control", "127.0.0.1:0", CorrectionHandler("/tcpflow", store, newAliases(nil), nil), zaptest.NewLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/tcpflow?value=3"
	var res *http.Response
	require.Eventually(t, func() bool {
		res, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, bytes.HasPrefix(body, []byte("Correction factor set to: 3")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}

func TestServer_ShutdownBeforeServe(t *testing.T) {
	s := NewServer("metrics", "127.0.0.1:0", http.NotFoundHandler(), nil)
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.ListenAndServe())
}
