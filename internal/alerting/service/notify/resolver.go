package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Resolver expands a Notification into the users it addresses.
type Resolver struct {
	Store orionld.Store
}

func NewResolver(store orionld.Store) *Resolver { return &Resolver{Store: store} }

// Resolve returns the union of every NotificationUsers block's direct users
// and group members, deduplicated by id in first-seen order. A missing or
// disabled Notification, or one without recipients, resolves to no users.
// Missing users, groups and blocks are skipped; other lookup errors are
// returned.
func (r *Resolver) Resolve(ctx context.Context, tenant, notificationID string) ([]model.User, error) {
	if notificationID == "" {
		return nil, nil
	}
	var n model.Notification
	if ok, err := r.get(ctx, tenant, notificationID, &n); !ok {
		return nil, err
	}
	if !n.IsEnabled() {
		log.Debug().Str("notification", notificationID).Msg("notification disabled")
		return nil, nil
	}
	if n.NotificationUser == nil || len(n.NotificationUser.Object) == 0 {
		log.Debug().Str("notification", notificationID).Msg("notification has no recipients")
		return nil, nil
	}

	var ids []string
	for _, blockID := range n.NotificationUser.Object {
		var block model.NotificationUsers
		ok, err := r.get(ctx, tenant, blockID, &block)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, rel := range model.ValueOf(block.Users) {
			ids = append(ids, rel.Target())
		}
		for _, rel := range model.ValueOf(block.Groups) {
			var g model.Group
			ok, err := r.get(ctx, tenant, rel.Target(), &g)
			if err != nil {
				return nil, err
			}
			if ok && g.Users != nil {
				ids = append(ids, g.Users.Object...)
			}
		}
	}

	seen := make(map[string]struct{}, len(ids))
	users := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		var u model.User
		ok, err := r.get(ctx, tenant, id, &u)
		if err != nil {
			return nil, err
		}
		if ok {
			if u.ID == "" {
				u.ID = id
			}
			users = append(users, u)
		}
	}
	return users, nil
}

// get loads id into out. It reports false without error when the entity is
// missing.
func (r *Resolver) get(ctx context.Context, tenant, id string, out any) (bool, error) {
	if id == "" {
		return false, nil
	}
	err := r.Store.GetEntity(ctx, tenant, id, out)
	if errors.Is(err, orionld.ErrNotFound) {
		log.Warn().Str("tenant", tenant).Str("entity", id).Msg("recipient entity not found")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", id, err)
	}
	return true, nil
}
