package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mnehpets/directserve/direct"
	"github.com/mnehpets/directserve/middleware"
)

var errNoProfile = errors.New("no such profile")

// BasicInfo is the profile record served to the client.
type BasicInfo struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar int64  `json:"avatarBytes,omitempty"`
}

// profileStore is an in-memory profile table.
type profileStore struct {
	mu       sync.RWMutex
	profiles map[int]BasicInfo
}

func newProfileStore() *profileStore {
	return &profileStore{profiles: map[int]BasicInfo{
		1: {ID: 1, Name: "Ada Lovelace", Email: "ada@example.com"},
		2: {ID: 2, Name: "Charles Babbage", Email: "charles@example.com"},
	}}
}

func (s *profileStore) get(_ context.Context, uid int) (BasicInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[uid]
	if !ok {
		return BasicInfo{}, fmt.Errorf("%w: %d", errNoProfile, uid)
	}
	return p, nil
}

func (s *profileStore) list(context.Context) ([]BasicInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BasicInfo, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// formResult is the reply to a form submission, in the shape Ext form
// panels expect.
type formResult struct {
	Success bool              `json:"success"`
	Errors  map[string]string `json:"errors,omitempty"`
	Data    *BasicInfo        `json:"data,omitempty"`
}

// update applies a form submission of id, name, email and an optional avatar
// file.
func (s *profileStore) update(_ context.Context, args direct.Args) (any, error) {
	form, ok := args.Form()
	if !ok {
		return nil, fmt.Errorf("%w: updateBasicInfo expects a form submission", direct.ErrArity)
	}

	problems := map[string]string{}
	uid, err := strconv.Atoi(form.Values.Get("id"))
	if err != nil {
		problems["id"] = "must be a number"
	}
	name := strings.TrimSpace(form.Values.Get("name"))
	if name == "" {
		problems["name"] = "is required"
	}
	email := strings.TrimSpace(form.Values.Get("email"))
	if _, err := mail.ParseAddress(email); err != nil {
		problems["email"] = "is not a valid address"
	}
	if len(problems) > 0 {
		return formResult{Errors: problems}, nil
	}

	var avatar int64
	if fh, ok := form.File("avatar"); ok {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		avatar, err = io.Copy(io.Discard, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errNoProfile, uid)
	}
	p.Name, p.Email = name, email
	if avatar > 0 {
		p.Avatar = avatar
	}
	s.profiles[uid] = p
	return formResult{Success: true, Data: &p}, nil
}

// whoAmI describes the caller's session.
type whoAmI struct {
	LoggedIn bool     `json:"loggedIn"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func sessionFrom(ctx context.Context) (middleware.Session, error) {
	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return nil, errors.New("no session")
	}
	return sess, nil
}

// demoRoles maps demo user names to the roles granted at login.
var demoRoles = map[string][]string{
	"ada": {"admin"},
}

func login(ctx context.Context, username string) (whoAmI, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return whoAmI{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return whoAmI{}, errors.New("username required")
	}
	if err := sess.Login(username, demoRoles[username]...); err != nil {
		return whoAmI{}, err
	}
	return whoAmI{LoggedIn: true, Username: username, Roles: sess.Roles()}, nil
}

func logout(ctx context.Context) (bool, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return false, err
	}
	sess.Logout()
	return true, nil
}

func whoami(ctx context.Context) (whoAmI, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return whoAmI{}, err
	}
	name, ok := sess.Username()
	return whoAmI{LoggedIn: ok, Username: name, Roles: sess.Roles()}, nil
}

// registerActions registers the demo actions on reg.
func registerActions(reg *direct.Registry, store *profileStore) {
	reg.Action("Profile", direct.WithDefaultPermission("profile.read")).
		Method("getBasicInfo", 1, direct.Func1(store.get)).
		Method("list", 0, direct.Func0(store.list)).
		Method("updateBasicInfo", 1, store.update,
			direct.AcceptsFiles(), direct.WithPermission("profile.write"))

	reg.Action("Session").
		Method("login", 1, direct.Func1(login)).
		Method("logout", 0, direct.Func0(logout)).
		Method("whoami", 0, direct.Func0(whoami))
}

// noProfileView turns a missing profile into a plain result instead of an
// exception.
var noProfileView = direct.MatchError(errNoProfile, func(_ context.Context, err error, _ *http.Request) (any, bool) {
	return map[string]any{"success": false, "message": err.Error()}, true
})
