// Package dnc guards outbound contact with an organization-scoped suppression list.
package dnc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
)

// Query is everything known about how a lead can be contacted.
type Query struct {
	OrgID  string
	Email  string
	Phone  string
	Domain string
}

// Guard looks up and maintains DNC entries.
type Guard struct {
	store store.Store
}

func New(st store.Store) *Guard {
	return &Guard{store: st}
}

func entryKey(orgID, typ, value string) string {
	return store.Key("dnc", orgID, "entries", typ+":"+value)
}

// FindMatch returns the first entry suppressing any of the query's channels, or nil.
// The email's own domain is checked alongside the explicit domain.
func (g *Guard) FindMatch(ctx context.Context, q Query) (*models.DncEntry, error) {
	if q.OrgID == "" {
		return nil, &models.ValidationError{Field: "org_id", Message: "required"}
	}

	type candidate struct{ typ, value string }
	var candidates []candidate
	if v := NormalizeEmail(q.Email); v != "" {
		candidates = append(candidates, candidate{models.DncEmail, v})
	}
	if v := NormalizePhone(q.Phone); v != "" {
		candidates = append(candidates, candidate{models.DncPhone, v})
	}
	seen := map[string]bool{}
	for _, raw := range []string{q.Domain, EmailDomain(q.Email)} {
		if v := NormalizeDomain(raw); v != "" && !seen[v] {
			seen[v] = true
			candidates = append(candidates, candidate{models.DncDomain, v})
		}
	}

	for _, c := range candidates {
		entry, err := store.GetJSON[models.DncEntry](ctx, g.store, entryKey(q.OrgID, c.typ, c.value))
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dnc lookup %s: %w", c.typ, err)
		}
		return &entry, nil
	}
	return nil, nil
}

// Add inserts or replaces an entry after normalizing its value.
func (g *Guard) Add(ctx context.Context, e models.DncEntry) (models.DncEntry, error) {
	normalized, err := Normalize(e.Type, e.NormalizedValue)
	if err != nil {
		return models.DncEntry{}, err
	}
	if e.OrgID == "" {
		return models.DncEntry{}, &models.ValidationError{Field: "org_id", Message: "required"}
	}
	e.NormalizedValue = normalized

	err = store.UpdateJSON(ctx, g.store, entryKey(e.OrgID, e.Type, normalized), func(cur *models.DncEntry, exists bool, now time.Time) (store.Op, error) {
		created := now
		if exists && !cur.CreatedAt.IsZero() {
			created = cur.CreatedAt
		}
		e.CreatedAt = created
		*cur = e
		return store.Save, nil
	})
	if err != nil {
		return models.DncEntry{}, fmt.Errorf("add dnc entry: %w", err)
	}
	return e, nil
}

// Remove deletes an entry; removing a missing entry is not an error.
func (g *Guard) Remove(ctx context.Context, orgID, typ, value string) error {
	normalized, err := Normalize(typ, value)
	if err != nil {
		return err
	}
	return store.UpdateJSON(ctx, g.store, entryKey(orgID, typ, normalized), func(_ *models.DncEntry, exists bool, _ time.Time) (store.Op, error) {
		if !exists {
			return store.Skip, nil
		}
		return store.Remove, nil
	})
}

// List returns the organization's entries.
func (g *Guard) List(ctx context.Context, orgID string, limit int) ([]models.DncEntry, error) {
	return store.ListJSON[models.DncEntry](ctx, g.store, store.Key("dnc", orgID, "entries"), limit)
}

// Normalize canonicalizes value for the given entry type.
func Normalize(typ, value string) (string, error) {
	var out string
	switch typ {
	case models.DncEmail:
		out = NormalizeEmail(value)
	case models.DncPhone:
		out = NormalizePhone(value)
	case models.DncDomain:
		out = NormalizeDomain(value)
	default:
		return "", &models.ValidationError{Field: "type", Message: "must be email, phone or domain"}
	}
	if out == "" {
		return "", &models.ValidationError{Field: "value", Message: fmt.Sprintf("not a valid %s", typ)}
	}
	return out, nil
}

// NormalizeEmail lower-cases and trims an address; it returns "" for non-addresses.
func NormalizeEmail(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	at := strings.LastIndex(v, "@")
	if at <= 0 || at == len(v)-1 {
		return ""
	}
	return v
}

// NormalizePhone keeps only digits.
func NormalizePhone(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 5 {
		return ""
	}
	return b.String()
}

// NormalizeDomain reduces a URL or host to a bare lower-case host without "www.".
func NormalizeDomain(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	u, err := url.Parse(v)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

// EmailDomain returns the domain part of an address.
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	if email == "" {
		return ""
	}
	return email[strings.LastIndex(email, "@")+1:]
}
