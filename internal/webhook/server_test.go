package webhook

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/kv"
	"github.com/dokzlo13/stbridge/internal/smartthings"
)

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]string
}

func (m *memDeduper) MarkDelivered(eventID, source string, payload map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]string)
	}
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = source
	return true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []device.Event
}

func (r *recorder) listen(e device.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Event(nil), r.events...)
}

func newTestServer(t *testing.T, targetURL string) (*Server, *recorder, *smartthings.IdentityStore) {
	t.Helper()
	identity := smartthings.NewIdentityStore(kv.NewMemoryBucket("smartthings"), smartthings.Identity{})
	d := NewDispatcher(&memDeduper{}, identity)
	rec := &recorder{}
	d.AddListener(rec.listen)
	return NewServer("127.0.0.1", 0, targetURL, d), rec, identity
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPing_EchoesChallenge(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	w := post(t, s.Handler(), "/", `{"lifecycle":"PING","pingData":{"challenge":"xyz"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pingData":{"challenge":"xyz"}}`, w.Body.String())

	w = post(t, s.Handler(), "/", `{"lifecycle":"PING"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

const twoEvents = `{
  "lifecycle": "EVENT",
  "eventData": {
    "installedApp": {"installedAppId": "app-1", "locationId": "loc-1"},
    "events": [
      {"eventType": "DEVICE_EVENT", "deviceEvent": {"eventId": "e1", "deviceId": "tv", "componentId": "main", "capability": "switch", "attribute": "switch", "value": "on"}},
      {"eventType": "TIMER_EVENT", "timerEvent": {}},
      {"eventType": "DEVICE_EVENT", "deviceEvent": {"deviceId": "tv"}},
      "garbage",
      {"eventType": "DEVICE_EVENT", "deviceEvent": {"eventId": "e2", "deviceId": "tv", "componentId": "main", "capability": "audioVolume", "attribute": "volume", "value": 15}}
    ]
  }
}`

func TestEvent_DispatchesDeviceEventsInOrder(t *testing.T) {
	s, rec, identity := newTestServer(t, "")

	w := post(t, s.Handler(), "/", twoEvents)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"eventData":{}}`, w.Body.String())

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "switch", events[0].Capability)
	assert.Equal(t, "on", events[0].Value)
	assert.Equal(t, "audioVolume", events[1].Capability)
	assert.Equal(t, 15.0, events[1].Value)

	assert.Equal(t, smartthings.Identity{InstalledAppID: "app-1", LocationID: "loc-1"}, identity.Get())
}

func TestEvent_RedeliveryNotDispatchedTwice(t *testing.T) {
	s, rec, _ := newTestServer(t, "")

	post(t, s.Handler(), "/", twoEvents)
	w := post(t, s.Handler(), "/", twoEvents)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rec.all(), 2)
}

func TestMessageTypeAlias(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	w := post(t, s.Handler(), "/", `{"messageType":"PING","pingData":{"challenge":"abc"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pingData":{"challenge":"abc"}}`, w.Body.String())
}

func TestInstall_CapturesIdentity(t *testing.T) {
	s, _, identity := newTestServer(t, "")

	w := post(t, s.Handler(), "/", `{"lifecycle":"INSTALL","installData":{"installedApp":{"installedAppId":"app-9","locationId":"loc-9"}}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
	assert.Equal(t, "app-9", identity.Get().InstalledAppID)
}

func TestOtherLifecyclesAcknowledge(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	for _, lc := range []string{"CONFIGURATION", "UPDATE", "UNINSTALL", "SOMETHING_NEW"} {
		w := post(t, s.Handler(), "/", `{"lifecycle":"`+lc+`"}`)
		assert.Equal(t, http.StatusOK, w.Code, lc)
		assert.JSONEq(t, `{}`, w.Body.String(), lc)
	}
}

func TestConfirmation(t *testing.T) {
	hit := make(chan struct{}, 1)
	confirmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
	}))
	defer confirmSrv.Close()

	s, _, _ := newTestServer(t, "https://bridge.example.com/")
	w := post(t, s.Handler(), "/", `{"lifecycle":"CONFIRMATION","confirmationData":{"appId":"a","confirmationUrl":"`+confirmSrv.URL+`"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"targetUrl":"https://bridge.example.com/"}`, w.Body.String())

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation URL was not fetched")
	}

	w = post(t, s.Handler(), "/", `{"lifecycle":"CONFIRMATION","confirmationData":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirmation_NoTargetURL(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	w := post(t, s.Handler(), "/", `{"lifecycle":"CONFIRMATION","confirmationData":{"confirmationUrl":"http://127.0.0.1:1/"}}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLegacyShape(t *testing.T) {
	s, rec, _ := newTestServer(t, "")

	w := post(t, s.Handler(), "/", `{"deviceId":"tv","componentId":"main","capability":"switch","attribute":"switch","value":"off"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "off", rec.all()[0].Value)

	w = post(t, s.Handler(), "/", `{"hello":"world"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rec.all(), 1)
}

func TestMalformedAndRouting(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	assert.Equal(t, http.StatusBadRequest, post(t, s.Handler(), "/", `{not json`).Code)
	assert.Equal(t, http.StatusNotFound, post(t, s.Handler(), "/elsewhere", `{}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

type oauthFunc func(w http.ResponseWriter, r *http.Request) error

func (f oauthFunc) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) error { return f(w, r) }

func TestOAuthCallback(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "OAuth handler not initialized")

	s.SetOAuthHandler(oauthFunc(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("exchange failed")
	}))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Authentication failed")

	s.SetOAuthHandler(oauthFunc(func(w http.ResponseWriter, r *http.Request) error {
		assert.Equal(t, "1", r.URL.Query().Get("code"))
		w.WriteHeader(http.StatusOK)
		return nil
	}))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatcher_ListenerPanicDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(nil, nil)
	rec := &recorder{}
	d.AddListener(func(device.Event) { panic("boom") })
	d.AddListener(rec.listen)

	assert.True(t, d.Dispatch(device.Event{DeviceID: "tv"}, "test"))
	assert.Len(t, rec.all(), 1)
}
