package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/directserve/endpoint"
)

var (
	ErrNotLoggedIn = errors.New("user not logged in")
	ErrNoSuchKey   = errors.New("session key not found")
)

const (
	// SessionIDBytes is the number of random bytes in a session ID.
	SessionIDBytes = 16
	// DefaultSessionPeriod is the default session lifetime.
	DefaultSessionPeriod = 24 * time.Hour
	// MaxExtendedPeriod bounds the total lifetime of a session, however
	// often it is extended.
	MaxExtendedPeriod = 90 * 24 * time.Hour
	// DefaultExtendThreshold is the remaining lifetime below which an active
	// session is extended.
	DefaultExtendThreshold = DefaultSessionPeriod / 4
	// DefaultCookieName is the session cookie name.
	DefaultCookieName = "DSS"
)

// Session is the request-scoped login state read by Ext.Direct handlers and
// the authorizer.
type Session interface {
	// ID returns the session identifier, or "" when not logged in.
	ID() string
	Username() (string, bool)
	// Roles returns the roles granted at login.
	Roles() []string
	// Login starts a fresh session for username, discarding any previous
	// session state.
	Login(username string, roles ...string) error
	Logout()
	Expires() time.Time
	Get(key string, dest any) error
	Set(key string, value any) error
	Delete(key string)
}

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID       string    `cbor:"1,keyasint"`
	Username string    `cbor:"2,keyasint"`
	Expires  time.Time `cbor:"3,keyasint"`
	// Period is the lifetime in seconds from creation to Expires, including
	// extensions.
	Period int                        `cbor:"4,keyasint"`
	Roles  []string                   `cbor:"5,keyasint,omitempty"`
	KV     map[string]cbor.RawMessage `cbor:"6,keyasint,omitempty"`
}

func newSessionData(period time.Duration) (*sessionData, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	// Truncating moves the start of the period into the past.
	now := time.Now().Truncate(time.Second)
	return &sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(period),
		Period:  int(period.Seconds()),
	}, nil
}

// revalidate reports whether sd is still valid at now, extending it to
// now+period when less than threshold remains.
func (sd *sessionData) revalidate(now time.Time, threshold, period time.Duration) (ok, extended bool) {
	if sd.Period <= 0 || sd.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	if sd.Expires.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}
	if threshold <= 0 || period < threshold || sd.Expires.Sub(now) >= threshold {
		return true, false
	}

	target := now.Add(period).Truncate(time.Second)
	issued := sd.Expires.Add(-time.Duration(sd.Period) * time.Second)
	if limit := issued.Add(MaxExtendedPeriod); target.After(limit) {
		target = limit
	}
	if !target.After(sd.Expires) {
		return true, false
	}
	sd.Period += int(target.Sub(sd.Expires).Seconds())
	sd.Expires = target
	return true, true
}

type session struct {
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Username() (string, bool) {
	if s.data == nil {
		return "", false
	}
	return s.data.Username, true
}

func (s *session) Roles() []string {
	if s.data == nil {
		return nil
	}
	return slices.Clone(s.data.Roles)
}

func (s *session) Login(username string, roles ...string) error {
	sd, err := newSessionData(s.period)
	if err != nil {
		return err
	}
	sd.Username = username
	sd.Roles = slices.Clone(roles)
	s.data = sd
	s.dirty = true
	return nil
}

func (s *session) Logout() {
	s.data = nil
	s.dirty = true
}

func (s *session) Expires() time.Time {
	if s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func (s *session) Get(key string, dest any) error {
	if s.data == nil {
		return ErrNotLoggedIn
	}
	raw, ok := s.data.KV[key]
	if !ok {
		return ErrNoSuchKey
	}
	return cbor.Unmarshal(raw, dest)
}

func (s *session) Set(key string, value any) error {
	if s.data == nil {
		return ErrNotLoggedIn
	}
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	if s.data.KV == nil {
		s.data.KV = make(map[string]cbor.RawMessage)
	}
	s.data.KV[key] = raw
	s.dirty = true
	return nil
}

func (s *session) Delete(key string) {
	if s.data == nil {
		return
	}
	if _, ok := s.data.KV[key]; ok {
		delete(s.data.KV, key)
		s.dirty = true
	}
}

type sessionContextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	return sess, ok && sess != nil
}

// SessionProcessor loads the session from its sealed cookie, puts it in the
// request context and writes the cookie back when the session changed.
type SessionProcessor struct {
	cookie          *SealedCookie
	period          time.Duration
	extendThreshold time.Duration
}

// SessionOption configures a SessionProcessor.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	cookieName      string
	cookieOptions   []CookieOption
	period          time.Duration
	extendThreshold time.Duration
}

// WithCookieName sets the session cookie name.
func WithCookieName(name string) SessionOption {
	return func(c *sessionConfig) { c.cookieName = name }
}

// WithCookieOptions passes options to the underlying SealedCookie.
func WithCookieOptions(opts ...CookieOption) SessionOption {
	return func(c *sessionConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithSessionPeriod sets the session lifetime.
func WithSessionPeriod(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.period = d }
}

// WithExtendThreshold sets the remaining lifetime that triggers extension.
func WithExtendThreshold(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.extendThreshold = d }
}

// NewSessionProcessor creates a SessionProcessor sealing with keys[keyID].
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionOption) (*SessionProcessor, error) {
	cfg := sessionConfig{
		cookieName:      DefaultCookieName,
		period:          DefaultSessionPeriod,
		extendThreshold: DefaultExtendThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.period <= 0 {
		cfg.period = DefaultSessionPeriod
	}
	cookie, err := NewSealedCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		cookie:          cookie,
		period:          cfg.period,
		extendThreshold: cfg.extendThreshold,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &session{period: p.period}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var sd sessionData
		if err := p.cookie.Decode(c, &sd); err != nil {
			// Tampered or sealed with a retired key.
			sess.dirty = true
		} else if ok, extended := sd.revalidate(time.Now(), p.extendThreshold, p.period); !ok {
			sess.dirty = true
		} else {
			sess.data = &sd
			sess.dirty = extended
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.writeCookie(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) writeCookie(w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(time.Until(sess.data.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	if c, err := p.cookie.Encode(sess.data, maxAge); err == nil {
		http.SetCookie(w, c)
	}
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
