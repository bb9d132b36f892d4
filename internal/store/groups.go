package store

import (
	"context"
	"database/sql"
	"errors"

	"aim-chat/sync-server/internal/contracts"
)

// Group roles.
const (
	GroupRoleAdmin  = "admin"
	GroupRoleMember = "member"
)

// Group is a group conversation's metadata row.
type Group struct {
	GroupID       string        `json:"groupId"`
	CreatorDigest string        `json:"creatorDigest"`
	MetaJSON      string        `json:"meta,omitempty"`
	Members       []GroupMember `json:"members,omitempty"`
	CreatedAt     int64         `json:"createdAt"`
	UpdatedAt     int64         `json:"updatedAt"`
}

type GroupMember struct {
	AccountDigest string `json:"accountDigest"`
	Role          string `json:"role"`
	AddedByDigest string `json:"addedByDigest,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// CreateGroup inserts the group with the creator as admin plus the initial
// member set, as one batch.
func (s *Store) CreateGroup(ctx context.Context, groupID, creatorDigest, metaJSON string, members []string) (*Group, error) {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO groups (group_id, creator_digest, meta_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			groupID, creatorDigest, nullString(metaJSON), now, now); err != nil {
			if IsUniqueViolation(err) {
				return contracts.Conflict("group %s already exists", groupID)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, account_digest, role, added_by_digest, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			groupID, creatorDigest, GroupRoleAdmin, creatorDigest, now); err != nil {
			return err
		}
		for _, member := range members {
			if member == creatorDigest {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO group_members (group_id, account_digest, role, added_by_digest, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (group_id, account_digest) DO NOTHING`,
				groupID, member, GroupRoleMember, creatorDigest, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	return s.GetGroup(ctx, groupID, creatorDigest)
}

func (s *Store) memberRole(ctx context.Context, groupID, accountDigest string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM group_members WHERE group_id = ? AND account_digest = ?`,
		groupID, accountDigest).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return role, err
}

// AddGroupMembers is admin-only.
func (s *Store) AddGroupMembers(ctx context.Context, groupID, callerDigest string, members []string) error {
	role, err := s.memberRole(ctx, groupID, callerDigest)
	if err != nil {
		return asDomainError(err)
	}
	if role != GroupRoleAdmin {
		return contracts.Forbidden("only a group admin may add members")
	}
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, member := range members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO group_members (group_id, account_digest, role, added_by_digest, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (group_id, account_digest) DO NOTHING`,
				groupID, member, GroupRoleMember, callerDigest, now); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE groups SET updated_at = ? WHERE group_id = ?`, now, groupID)
		return err
	})
	return asDomainError(err)
}

// RemoveGroupMembers is admin-only; members may always remove themselves.
func (s *Store) RemoveGroupMembers(ctx context.Context, groupID, callerDigest string, members []string) error {
	role, err := s.memberRole(ctx, groupID, callerDigest)
	if err != nil {
		return asDomainError(err)
	}
	selfOnly := len(members) == 1 && members[0] == callerDigest
	if role != GroupRoleAdmin && !selfOnly {
		return contracts.Forbidden("only a group admin may remove members")
	}
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, member := range members {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM group_members WHERE group_id = ? AND account_digest = ?`,
				groupID, member); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE groups SET updated_at = ? WHERE group_id = ?`, now, groupID)
		return err
	})
	return asDomainError(err)
}

// GetGroup requires membership and returns the group with its members.
func (s *Store) GetGroup(ctx context.Context, groupID, callerDigest string) (*Group, error) {
	role, err := s.memberRole(ctx, groupID, callerDigest)
	if err != nil {
		return nil, asDomainError(err)
	}
	if role == "" {
		return nil, contracts.Forbidden("not a member of this group")
	}

	g := &Group{}
	var meta sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT group_id, creator_digest, meta_json, created_at, updated_at
		FROM groups WHERE group_id = ?`, groupID).Scan(
		&g.GroupID, &g.CreatorDigest, &meta, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("group not found")
	}
	if err != nil {
		return nil, asDomainError(err)
	}
	g.MetaJSON = meta.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_digest, role, COALESCE(added_by_digest, ''), created_at
		FROM group_members WHERE group_id = ? ORDER BY created_at ASC, account_digest ASC`,
		groupID)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.AccountDigest, &m.Role, &m.AddedByDigest, &m.CreatedAt); err != nil {
			return nil, asDomainError(err)
		}
		g.Members = append(g.Members, m)
	}
	return g, asDomainError(rows.Err())
}
