package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

type mapStore struct {
	callers map[string]*Caller
	err     error
}

func (m *mapStore) CallerByKeyHash(_ context.Context, hash string) (*Caller, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.callers[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func newStore(keys map[string]*Caller) *mapStore {
	m := &mapStore{callers: make(map[string]*Caller)}
	for k, c := range keys {
		c.KeyHash = HashKey(k)
		m.callers[c.KeyHash] = c
	}
	return m
}

func TestResolver_Resolve(t *testing.T) {
	store := newStore(map[string]*Caller{
		"good-key":     {ID: 1, Name: "alice", Role: RoleStandard, Active: true},
		"disabled-key": {ID: 2, Name: "bob", Role: RoleFree, Active: false},
	})
	r := NewResolver(store, nil)

	cases := []struct {
		name       string
		credential string
		wantErr    *apierr.Error
		wantID     int64
	}{
		{"valid", "good-key", nil, 1},
		{"surrounding whitespace", "  good-key ", nil, 1},
		{"empty", "", apierr.ErrUnauthenticated, 0},
		{"unknown", "other-key", apierr.ErrUnauthenticated, 0},
		{"near miss", "good-kez", apierr.ErrUnauthenticated, 0},
		{"disabled", "disabled-key", apierr.ErrDisabled, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := r.Resolve(context.Background(), tc.credential)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %s", err, tc.wantErr.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.ID != tc.wantID {
				t.Errorf("caller id = %d, want %d", c.ID, tc.wantID)
			}
		})
	}
}

func TestResolver_UnknownAndNearMissErrorsAreIdentical(t *testing.T) {
	r := NewResolver(newStore(map[string]*Caller{"good-key": {ID: 1, Active: true}}), nil)
	_, e1 := r.Resolve(context.Background(), "nothing-like-it")
	_, e2 := r.Resolve(context.Background(), "good-keY")
	if e1.Error() != e2.Error() {
		t.Errorf("errors differ: %q vs %q", e1, e2)
	}
}

func TestResolver_StoreFailureIsInternal(t *testing.T) {
	r := NewResolver(&mapStore{err: errors.New("db down")}, nil)
	_, err := r.Resolve(context.Background(), "k")
	if !errors.Is(err, apierr.ErrInternal) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	key, prefix, hash, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "igw_") || !strings.HasPrefix(key, prefix) || len(prefix) != KeyPrefixLen {
		t.Errorf("key %q prefix %q", key, prefix)
	}
	if hash != HashKey(key) || len(hash) != 64 {
		t.Errorf("hash = %q", hash)
	}
	other, _, _, _ := GenerateKey()
	if other == key {
		t.Error("keys must be random")
	}
}

func TestCredentialFromHeaders(t *testing.T) {
	cases := []struct {
		apiKey, authz, want string
	}{
		{"k1", "", "k1"},
		{"", "Bearer k2", "k2"},
		{"", "bearer   k3 ", "k3"},
		{"k1", "Bearer k2", "k1"},
		{"", "Basic abc", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := CredentialFromHeaders(tc.apiKey, tc.authz); got != tc.want {
			t.Errorf("CredentialFromHeaders(%q, %q) = %q, want %q", tc.apiKey, tc.authz, got, tc.want)
		}
	}
}

func TestCaller_AllowsAndRole(t *testing.T) {
	c := &Caller{Role: RoleStandard, AllowedModels: []string{"tiny"}}
	if !c.Allows("tiny") || c.Allows("big") {
		t.Error("allowed-model list not enforced")
	}
	if (&Caller{}).Allows("anything") != true {
		t.Error("empty list must allow every model")
	}
	if c.IsAdmin() {
		t.Error("standard caller is not admin")
	}
	if r, err := ParseRole("ADMIN"); err != nil || r != RoleAdmin {
		t.Errorf("ParseRole = %v, %v", r, err)
	}
	if _, err := ParseRole("root"); err == nil {
		t.Error("unknown role should fail")
	}
}

func TestCaller_Ref(t *testing.T) {
	cases := []struct {
		name, prefix, want string
	}{
		{"alice", "gw-ab12", "alice/gw-ab12"},
		{"alice", "", "alice"},
		{"", "gw-ab12", "gw-ab12"},
		{"", "", ""},
	}
	for _, tc := range cases {
		c := &Caller{Name: tc.name, KeyPrefix: tc.prefix}
		if got := c.Ref(); got != tc.want {
			t.Errorf("Ref(%q, %q) = %q, want %q", tc.name, tc.prefix, got, tc.want)
		}
	}
}
