package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/directserve/endpoint"
)

func TestSessionData_Revalidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name         string
		sd           sessionData
		threshold    time.Duration
		period       time.Duration
		wantOK       bool
		wantExtended bool
	}{
		{"zero period", sessionData{Expires: now.Add(time.Hour), Period: 0}, time.Second, time.Minute, false, false},
		{"period over max", sessionData{Expires: now.Add(time.Hour), Period: int(MaxExtendedPeriod.Seconds()) + 1}, time.Second, time.Minute, false, false},
		{"zero expires", sessionData{Period: 10}, time.Second, time.Minute, false, false},
		{"expired", sessionData{Expires: now.Add(-time.Second), Period: 10}, time.Second, time.Minute, false, false},
		{"plenty left", sessionData{Expires: now.Add(time.Hour), Period: 3600}, time.Minute, time.Hour, true, false},
		{"no threshold", sessionData{Expires: now.Add(time.Minute), Period: 60}, 0, time.Minute, true, false},
		{"period below threshold", sessionData{Expires: now.Add(time.Minute), Period: 60}, 2 * time.Minute, time.Minute, true, false},
		{"extends", sessionData{Expires: now.Add(2 * time.Second).Truncate(time.Second), Period: 10}, 30 * time.Second, time.Minute, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sd := tt.sd
			before := sd.Expires
			ok, extended := sd.revalidate(now, tt.threshold, tt.period)
			if ok != tt.wantOK || extended != tt.wantExtended {
				t.Fatalf("got (%v,%v), want (%v,%v)", ok, extended, tt.wantOK, tt.wantExtended)
			}
			if extended {
				if !sd.Expires.After(before) {
					t.Errorf("Expires not moved: %v", sd.Expires)
				}
				if want := tt.sd.Period + int(sd.Expires.Sub(before).Seconds()); sd.Period != want {
					t.Errorf("Period = %d, want %d", sd.Period, want)
				}
			}
		})
	}
}

func TestSessionData_Revalidate_CapsLifetime(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	// Issued just under the maximum lifetime ago: extension stops at the cap.
	period := int(MaxExtendedPeriod.Seconds()) - 10
	sd := sessionData{Expires: now.Add(5 * time.Second), Period: period}
	issued := sd.Expires.Add(-time.Duration(period) * time.Second)

	ok, extended := sd.revalidate(now, time.Minute, time.Hour)
	if !ok || !extended {
		t.Fatalf("got (%v,%v)", ok, extended)
	}
	if want := issued.Add(MaxExtendedPeriod); !sd.Expires.Equal(want) {
		t.Errorf("Expires = %v, want %v", sd.Expires, want)
	}
}

func TestSession_LoginLogout(t *testing.T) {
	s := &session{period: time.Hour}
	if _, ok := s.Username(); ok {
		t.Fatal("logged in before Login")
	}
	if err := s.Set("k", 1); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Set before login: %v", err)
	}

	if err := s.Login("ada", "admin", "ops"); err != nil {
		t.Fatal(err)
	}
	first := s.ID()
	if len(first) != 22 {
		t.Errorf("ID %q has length %d", first, len(first))
	}
	if u, ok := s.Username(); !ok || u != "ada" {
		t.Errorf("Username = %q, %v", u, ok)
	}
	roles := s.Roles()
	if strings.Join(roles, ",") != "admin,ops" {
		t.Errorf("Roles = %v", roles)
	}
	roles[0] = "mutated"
	if s.Roles()[0] != "admin" {
		t.Error("Roles returned internal slice")
	}

	if err := s.Set("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	var theme string
	if err := s.Get("theme", &theme); err != nil || theme != "dark" {
		t.Errorf("Get = %q, %v", theme, err)
	}
	if err := s.Get("missing", &theme); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("Get missing: %v", err)
	}
	s.Delete("theme")
	if err := s.Get("theme", &theme); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("Get after Delete: %v", err)
	}

	// A second login regenerates the id and drops state.
	if err := s.Login("bob"); err != nil {
		t.Fatal(err)
	}
	if s.ID() == first || len(s.Roles()) != 0 {
		t.Errorf("relogin kept state: id=%s roles=%v", s.ID(), s.Roles())
	}

	s.Logout()
	if s.ID() != "" || !s.Expires().IsZero() {
		t.Error("state left after Logout")
	}
}

func newTestSessionProcessor(t *testing.T) *SessionProcessor {
	t.Helper()
	p, err := NewSessionProcessor("k", map[string][]byte{"k": testKey(t)}, WithCookieOptions(WithSecure(false)))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func sessionHandler(p *SessionProcessor, fn func(s Session)) http.Handler {
	return endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		s, ok := SessionFromContext(r.Context())
		if !ok {
			return nil, errors.New("no session in context")
		}
		fn(s)
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, p)
}

func TestSessionProcessor_LoginPersists(t *testing.T) {
	p := newTestSessionProcessor(t)

	rec := httptest.NewRecorder()
	sessionHandler(p, func(s Session) {
		if err := s.Login("ada", "admin"); err != nil {
			t.Fatal(err)
		}
	}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultCookieName || cookies[0].MaxAge <= 0 {
		t.Fatalf("cookies = %v", cookies)
	}

	var user string
	var roles []string
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	sessionHandler(p, func(s Session) {
		user, _ = s.Username()
		roles = s.Roles()
	}).ServeHTTP(rec, req)

	if user != "ada" || len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("got user=%q roles=%v", user, roles)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("unchanged session rewrote its cookie")
	}
}

func TestSessionProcessor_LogoutClears(t *testing.T) {
	p := newTestSessionProcessor(t)
	c, err := p.cookie.Encode(&sessionData{ID: "id", Username: "ada", Expires: time.Now().Add(time.Hour), Period: 3600}, 3600)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	rec := httptest.NewRecorder()
	sessionHandler(p, func(s Session) { s.Logout() }).ServeHTTP(rec, req)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("cookies = %v", cookies)
	}
}

func TestSessionProcessor_InvalidCookieCleared(t *testing.T) {
	p := newTestSessionProcessor(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "k.garbage"})

	var loggedIn bool
	rec := httptest.NewRecorder()
	sessionHandler(p, func(s Session) { _, loggedIn = s.Username() }).ServeHTTP(rec, req)

	if loggedIn {
		t.Error("invalid cookie produced a session")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("cookies = %v", cookies)
	}
}

func TestSessionProcessor_NoCookieNoWrite(t *testing.T) {
	p := newTestSessionProcessor(t)
	rec := httptest.NewRecorder()
	sessionHandler(p, func(Session) {}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.Result().Cookies()) != 0 {
		t.Error("anonymous request set a cookie")
	}
}
