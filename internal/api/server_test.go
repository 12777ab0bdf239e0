package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/service"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/testutil/testlog"
)

func newTestServer(t *testing.T) (*Server, *service.Service) {
	t.Helper()
	return newTestServerWithToken(t, "")
}

func newTestServerWithToken(t *testing.T, token string) (*Server, *service.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	cfg := service.DefaultConfig()
	cfg.AutoConnect = false
	cfg.Store.Dir = t.TempDir()
	cfg.Telemetry.Addr = pc.LocalAddr().String()
	svc, err := service.New(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return New(Config{Addr: ":0", Token: token}, svc, logs.Logger()), svc
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	logs.Logf("api/http: %s %s status=%d", method, path, rr.Code)
	return rr
}

func doJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	logs.Logf("api/http: POST %s status=%d", path, rr.Code)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthAndInitialPublishedValues(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t)

	if rr := do(t, s, http.MethodGet, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("health status got=%d want=%d", rr.Code, http.StatusOK)
	}
	rr := do(t, s, http.MethodGet, "/gesture?format=text")
	if rr.Body.String() != "-1,0.0" {
		t.Fatalf("gesture text got=%q want=%q", rr.Body.String(), "-1,0.0")
	}
	rr = do(t, s, http.MethodGet, "/sensor?format=text")
	if rr.Body.String() != "0 0 0 0 0 0 0 0" {
		t.Fatalf("sensor text got=%q want=%q", rr.Body.String(), "0 0 0 0 0 0 0 0")
	}
	body := decode(t, do(t, s, http.MethodGet, "/status"))
	if body["state"] != string(service.StateIdle) {
		t.Fatalf("status state got=%v want=%s", body["state"], service.StateIdle)
	}
}

func TestGestureAndSensorFollowPipeline(t *testing.T) {
	testlog.Start(t)
	s, svc := newTestServer(t)
	if err := svc.Pipeline().HandleEMG(myo.EMGSample{Channels: [8]int{5, 6, 7, 8, 9, 10, 11, 12}}); err != nil {
		t.Fatalf("handle emg: %v", err)
	}
	body := decode(t, do(t, s, http.MethodGet, "/gesture"))
	if body["label"] != float64(0) || body["text"] != "0,0.00" {
		t.Fatalf("gesture got=%v", body)
	}
	rr := do(t, s, http.MethodGet, "/sensor?format=text")
	if rr.Body.String() != "5 6 7 8 9 10 11 12" {
		t.Fatalf("sensor text got=%q", rr.Body.String())
	}
}

func TestRecordRoutes(t *testing.T) {
	testlog.Start(t)
	s, svc := newTestServer(t)

	if rr := do(t, s, http.MethodPost, "/record/3"); rr.Code != http.StatusOK {
		t.Fatalf("record status got=%d body=%s", rr.Code, rr.Body.String())
	}
	if class, paused := svc.Pipeline().Recording(); class != 3 || paused {
		t.Fatalf("recording got=%d paused=%t want=3 false", class, paused)
	}
	body := decode(t, do(t, s, http.MethodPost, "/record/pause"))
	if body["paused"] != true || body["recording"] != float64(3) {
		t.Fatalf("pause body got=%v", body)
	}
	do(t, s, http.MethodPost, "/record/stop")
	if class, _ := svc.Pipeline().Recording(); class != -1 {
		t.Fatalf("recording after stop got=%d want=-1", class)
	}

	for _, path := range []string{"/record/12", "/record/-1", "/record/abc"} {
		if rr := do(t, s, http.MethodPost, path); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status got=%d want=%d", path, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestSampleMaintenanceRoutes(t *testing.T) {
	testlog.Start(t)
	s, svc := newTestServer(t)
	for i := 0; i < 7; i++ {
		if err := svc.Store().Store(4, [8]uint16{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	body := decode(t, do(t, s, http.MethodPost, "/samples/flush"))
	counts, ok := body["counts"].([]any)
	if !ok || len(counts) != 10 || counts[4] != float64(7) {
		t.Fatalf("flush counts got=%v", body["counts"])
	}
	body = decode(t, do(t, s, http.MethodGet, "/samples/counts"))
	if got := body["counts"].([]any)[4]; got != float64(7) {
		t.Fatalf("counts[4] got=%v want=7", got)
	}

	body = decode(t, do(t, s, http.MethodPost, "/classifier/retrain"))
	if body["trained"] != float64(7) {
		t.Fatalf("trained got=%v want=7", body["trained"])
	}

	rr := do(t, s, http.MethodDelete, "/samples")
	if rr.Code != http.StatusOK {
		t.Fatalf("wipe status got=%d", rr.Code)
	}
	if got := svc.Store().Counts(); got != [10]int{} {
		t.Fatalf("counts after wipe got=%v", got)
	}
}

func TestDeviceRoutesWithoutConnection(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t)

	if rr := do(t, s, http.MethodPost, "/device/disconnect"); rr.Code != http.StatusConflict {
		t.Fatalf("disconnect status got=%d want=%d", rr.Code, http.StatusConflict)
	}
	if rr := do(t, s, http.MethodPost, "/device/vibrate/2"); rr.Code != http.StatusConflict {
		t.Fatalf("vibrate status got=%d want=%d", rr.Code, http.StatusConflict)
	}
	if rr := do(t, s, http.MethodPost, "/device/vibrate/x"); rr.Code != http.StatusBadRequest {
		t.Fatalf("vibrate bad length status got=%d want=%d", rr.Code, http.StatusBadRequest)
	}
	if rr := doJSON(t, s, "/device/leds", `{"logo":[128,128,255],"line":[128,128,255]}`); rr.Code != http.StatusConflict {
		t.Fatalf("leds status got=%d want=%d", rr.Code, http.StatusConflict)
	}
	if rr := doJSON(t, s, "/device/leds", `{"logo":[300,0,0]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("leds bad color status got=%d want=%d", rr.Code, http.StatusBadRequest)
	}
	if rr := do(t, s, http.MethodPost, "/device/sleep/never"); rr.Code != http.StatusConflict {
		t.Fatalf("sleep status got=%d want=%d", rr.Code, http.StatusConflict)
	}
	if rr := do(t, s, http.MethodPost, "/device/sleep/deep"); rr.Code != http.StatusBadRequest {
		t.Fatalf("sleep bad mode status got=%d want=%d", rr.Code, http.StatusBadRequest)
	}
	if rr := do(t, s, http.MethodPost, "/device/poweroff"); rr.Code != http.StatusConflict {
		t.Fatalf("poweroff status got=%d want=%d", rr.Code, http.StatusConflict)
	}
	if rr := do(t, s, http.MethodPost, "/device/connect"); rr.Code != http.StatusAccepted {
		t.Fatalf("connect status got=%d want=%d", rr.Code, http.StatusAccepted)
	}
}

func TestMetricsExposeRequestCounter(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t)
	do(t, s, http.MethodGet, "/gesture")
	rr := do(t, s, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status got=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "myolink_http_requests_total") {
		t.Fatalf("metrics body missing request counter")
	}
}

func TestControlRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s, svc := newTestServerWithToken(t, "s3cret")

	if rr := do(t, s, http.MethodGet, "/gesture"); rr.Code != http.StatusOK {
		t.Fatalf("read route status got=%d want=%d", rr.Code, http.StatusOK)
	}
	if rr := do(t, s, http.MethodPost, "/record/2"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status got=%d want=%d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodPost, "/record/2", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status got=%d want=%d", rr.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/record/2", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorized status got=%d want=%d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if class, _ := svc.Pipeline().Recording(); class != 2 {
		t.Fatalf("recording got=%d want=2", class)
	}
}
