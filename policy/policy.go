// Package policy implements named authorization policies backed by sets of
// principals persisted in the settings store.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/pkgd/settings"
)

// Built-in policy names.
const (
	Connect             = "Connect"
	EnumeratePackages   = "EnumeratePackages"
	UpdatePackage       = "UpdatePackage"
	InstallPackage      = "InstallPackage"
	RemovePackage       = "RemovePackage"
	ChangeActivePackage = "ChangeActivePackage"
	ChangeRequiredState = "ChangeRequiredState"
	ChangeBlockedState  = "ChangeBlockedState"
	EditSystemFeeds     = "EditSystemFeeds"
	EditSessionFeeds    = "EditSessionFeeds"
	PauseService        = "PauseService"
	StopService         = "StopService"
	ModifyPolicy        = "ModifyPolicy"
	Symlink             = "Symlink"
)

// ResetSentinel passed to Remove restores the built-in principals.
const ResetSentinel = "*"

var (
	// ErrUnknownAccount is matched by every *UnknownAccountError.
	ErrUnknownAccount = errors.New("policy: unknown account")
	// ErrUnknownPolicy is returned when a policy name is not recognized.
	ErrUnknownPolicy = errors.New("policy: unknown policy")
)

// UnknownAccountError reports an account that resolves to no principal.
type UnknownAccountError struct {
	Account string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("policy: unknown account %q", e.Account)
}

func (e *UnknownAccountError) Is(target error) bool { return target == ErrUnknownAccount }

type builtin struct {
	name        string
	description string
	defaults    Principal
}

var builtins = []builtin{
	{Connect, "Allows access to communicate with the package service", Everyone},
	{EnumeratePackages, "Allows access to query the system for installed packages", Everyone},
	{UpdatePackage, "Allows a newer version of a package that is currently installed to be installed", Everyone},
	{InstallPackage, "Allows a new package to be installed", Administrators},
	{RemovePackage, "Allows a package to be removed", Administrators},
	{ChangeActivePackage, "Allows a user to change which version of a package is the active (default) one", Administrators},
	{ChangeRequiredState, "Allows a user to change whether a given package is required (user requested)", Administrators},
	{ChangeBlockedState, "Allows a user to change whether a given package is blocked from being upgraded", Administrators},
	{EditSystemFeeds, "Allows users to edit remembered feeds for the system", Administrators},
	{EditSessionFeeds, "Allows users to edit remembered feeds for the session", Everyone},
	{PauseService, "Allows users to place the package service into a suspended (paused) state", Administrators},
	{StopService, "Allows users to stop the package service", Administrators},
	{ModifyPolicy, "Allows users to change policy values for the package service", Administrators},
	{Symlink, "Allows users to create and edit symlinks", Administrators},
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store holds the built-in policies.
type Store struct {
	settings *settings.Store
	resolver Resolver
	log      *slog.Logger

	policies []*Policy
}

// NewStore builds the policy set persisted under settings path "Policy".
func NewStore(s *settings.Store, resolver Resolver, opts ...Option) *Store {
	st := &Store{
		settings: s.Sub("Policy"),
		resolver: resolver,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(st)
	}
	for _, b := range builtins {
		st.policies = append(st.policies, &Policy{
			Name:        b.name,
			Description: b.description,
			defaults:    []Principal{b.defaults},
			store:       st,
		})
	}
	return st
}

// Get returns the policy with the given name, ignoring case.
func (s *Store) Get(name string) (*Policy, error) {
	for _, p := range s.policies {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// MustGet is Get for built-in names; it panics on unknown names.
func (s *Store) MustGet(name string) *Policy {
	p, err := s.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// All returns every policy in declaration order.
func (s *Store) All() []*Policy {
	return slices.Clone(s.policies)
}

// Resolve maps an account name or principal identifier to a principal.
// Identifiers are tried first, then user names, then group names.
func (s *Store) Resolve(account string) (Principal, error) {
	a := strings.TrimSpace(account)
	switch strings.ToLower(a) {
	case string(Everyone):
		return Everyone, nil
	case string(Administrators):
		return Administrators, nil
	}

	lower := strings.ToLower(a)
	switch {
	case strings.HasPrefix(lower, userPrefix):
		rest := a[len(userPrefix):]
		if isNumeric(rest) {
			return UserPrincipal(rest), nil
		}
		if uid, err := s.resolver.LookupUser(rest); err == nil {
			return UserPrincipal(uid), nil
		}
	case strings.HasPrefix(lower, groupPrefix):
		rest := a[len(groupPrefix):]
		if isNumeric(rest) {
			return GroupPrincipal(rest), nil
		}
		if gid, err := s.resolver.LookupGroup(rest); err == nil {
			return GroupPrincipal(gid), nil
		}
	case a != "":
		if uid, err := s.resolver.LookupUser(a); err == nil {
			return UserPrincipal(uid), nil
		}
		if gid, err := s.resolver.LookupGroup(a); err == nil {
			return GroupPrincipal(gid), nil
		}
	}
	return "", &UnknownAccountError{Account: account}
}

// DisplayName renders a principal for humans.
func (s *Store) DisplayName(p Principal) string {
	str := string(p)
	switch {
	case p == Everyone:
		return "Everyone"
	case p == Administrators:
		return "Administrators"
	case strings.HasPrefix(str, userPrefix):
		if name, err := s.resolver.UserName(str[len(userPrefix):]); err == nil {
			return name
		}
	case strings.HasPrefix(str, groupPrefix):
		if name, err := s.resolver.GroupName(str[len(groupPrefix):]); err == nil {
			return groupPrefix + name
		}
	}
	return str
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Policy is one named authorization rule.
type Policy struct {
	Name        string
	Description string

	defaults []Principal
	store    *Store
	mu       sync.Mutex
}

func (p *Policy) key() string { return "#" + p.Name }

// Defaults returns the built-in principal set.
func (p *Policy) Defaults() []Principal { return slices.Clone(p.defaults) }

// Principals returns the persisted principal set, or the defaults when none
// has been persisted.
func (p *Policy) Principals(ctx context.Context) ([]Principal, error) {
	list, ok, err := p.store.settings.StringList(ctx, p.key())
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.Defaults(), nil
	}
	out := make([]Principal, 0, len(list))
	for _, s := range list {
		out = append(out, Principal(s))
	}
	return out, nil
}

// HasPermission reports whether the caller satisfies the policy. Persisted
// state is read on every call.
func (p *Policy) HasPermission(ctx context.Context, id Identity) bool {
	principals, err := p.Principals(ctx)
	if err != nil {
		p.store.log.WarnContext(ctx, "policy.read.err", slog.String("policy", p.Name), slog.String("err", err.Error()))
		return false
	}

	if slices.Contains(principals, Administrators) && id.Elevated {
		return true
	}
	for _, pr := range principals {
		if pr == Administrators {
			continue
		}
		if id.IsMember(pr) {
			return true
		}
	}
	return false
}

// Add authorizes account. Adding an already present principal is a no-op.
func (p *Policy) Add(ctx context.Context, account string) error {
	pr, err := p.store.Resolve(account)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.Principals(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(current, pr) {
		return nil
	}
	if err := p.persist(ctx, append(current, pr)); err != nil {
		return err
	}
	p.store.log.InfoContext(ctx, "policy.add", slog.String("policy", p.Name), slog.String("principal", string(pr)))
	return nil
}

// Remove revokes account. The ResetSentinel restores the defaults.
func (p *Policy) Remove(ctx context.Context, account string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.TrimSpace(account) == ResetSentinel {
		if err := p.store.settings.Delete(ctx, p.key()); err != nil {
			return err
		}
		p.store.log.InfoContext(ctx, "policy.reset", slog.String("policy", p.Name))
		return nil
	}

	pr, err := p.store.Resolve(account)
	if err != nil {
		return err
	}
	current, err := p.Principals(ctx)
	if err != nil {
		return err
	}
	idx := slices.Index(current, pr)
	if idx < 0 {
		return nil
	}
	if err := p.persist(ctx, slices.Delete(current, idx, idx+1)); err != nil {
		return err
	}
	p.store.log.InfoContext(ctx, "policy.remove", slog.String("policy", p.Name), slog.String("principal", string(pr)))
	return nil
}

// Accounts returns display names for the current principal set.
func (p *Policy) Accounts(ctx context.Context) ([]string, error) {
	principals, err := p.Principals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(principals))
	for _, pr := range principals {
		out = append(out, p.store.DisplayName(pr))
	}
	return out, nil
}

func (p *Policy) persist(ctx context.Context, principals []Principal) error {
	list := make([]string, 0, len(principals))
	for _, pr := range principals {
		list = append(list, string(pr))
	}
	return p.store.settings.SetStringList(ctx, p.key(), list)
}
