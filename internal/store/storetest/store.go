// Package storetest provides an in-memory Store for component tests, with
// per-method error injection.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

// Store is an in-memory interfaces.Store. Inject a failure by setting
// FailWith["MethodName"]; the method returns that error untouched.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*types.User
	groups   map[string]*types.Group
	members  map[string]map[string]bool // groupID -> userID
	messages []*types.Message

	FailWith map[string]error
}

var _ interfaces.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[string]*types.User),
		groups:   make(map[string]*types.Group),
		members:  make(map[string]map[string]bool),
		FailWith: make(map[string]error),
	}
}

func (s *Store) fail(method string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FailWith[method]
}

// AddUser seeds a user without going through CreateUser validation.
func (s *Store) AddUser(user *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// AddGroup seeds a group and its membership rows.
func (s *Store) AddGroup(group *types.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = group
	set := make(map[string]bool, len(group.Members))
	for _, id := range group.Members {
		set[id] = true
	}
	s.members[group.ID] = set
}

// Messages returns a snapshot of all stored messages.
func (s *Store) Messages() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	if err := s.fail("CreateUser"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return fmt.Errorf("%w: email already registered", types.ErrConflict)
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	if err := s.fail("GetUser"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, id)
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	if err := s.fail("GetUserByEmail"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, fmt.Errorf("%w: email %s", types.ErrNotFound, email)
}

func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	if err := s.fail("ListUsers"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*types.User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) ListUserSummaries(ctx context.Context) ([]*types.UserSummary, error) {
	if err := s.fail("ListUserSummaries"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var summaries []*types.UserSummary
	for _, user := range s.users {
		if user.Role == types.RoleAdmin {
			continue
		}
		summaries = append(summaries, &types.UserSummary{ID: user.ID, Name: user.Name})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

func (s *Store) SearchUsers(ctx context.Context, query string) ([]*types.User, error) {
	if err := s.fail("SearchUsers"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []*types.User
	q := strings.ToLower(query)
	for _, user := range s.users {
		if user.Role == types.RoleAdmin {
			continue
		}
		if strings.Contains(strings.ToLower(user.Name), q) || strings.Contains(strings.ToLower(user.Email), q) {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	if err := s.fail("SetUserBlocked"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", types.ErrNotFound, id)
	}
	user.IsBlocked = blocked
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, group *types.Group) error {
	if err := s.fail("CreateGroup"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[group.ID]; exists {
		return fmt.Errorf("%w: group %s", types.ErrConflict, group.ID)
	}
	s.groups[group.ID] = group
	set := make(map[string]bool, len(group.Members))
	for _, id := range group.Members {
		set[id] = true
	}
	s.members[group.ID] = set
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*types.Group, error) {
	if err := s.fail("GetGroup"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotGroupLocked(id)
}

func (s *Store) snapshotGroupLocked(id string) (*types.Group, error) {
	group, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", types.ErrNotFound, id)
	}
	members := make([]string, 0, len(s.members[id]))
	for userID := range s.members[id] {
		members = append(members, userID)
	}
	sort.Strings(members)
	out := *group
	out.Members = members
	return &out, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*types.Group, error) {
	if err := s.fail("ListGroups"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]*types.Group, 0, len(s.groups))
	for id := range s.groups {
		group, _ := s.snapshotGroupLocked(id)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *Store) ListGroupsForUser(ctx context.Context, userID string) ([]*types.Group, error) {
	if err := s.fail("ListGroupsForUser"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []*types.Group
	for id, set := range s.members {
		if set[userID] {
			group, _ := s.snapshotGroupLocked(id)
			groups = append(groups, group)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *Store) RenameGroup(ctx context.Context, id, name string) error {
	if err := s.fail("RenameGroup"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("%w: group %s", types.ErrNotFound, id)
	}
	group.Name = name
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	if err := s.fail("DeleteGroup"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return fmt.Errorf("%w: group %s", types.ErrNotFound, id)
	}
	delete(s.groups, id)
	delete(s.members, id)
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.GroupID != id {
			kept = append(kept, msg)
		}
	}
	s.messages = kept
	return nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	if err := s.fail("AddMember"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", types.ErrNotFound, groupID)
	}
	if set[userID] {
		return fmt.Errorf("%w: already a member", types.ErrConflict)
	}
	set[userID] = true
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := s.fail("RemoveMember"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[groupID]
	if !ok || !set[userID] {
		return fmt.Errorf("%w: user is not a member of the group", types.ErrNotFound)
	}
	delete(set, userID)
	return nil
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if err := s.fail("IsMember"); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[groupID][userID], nil
}

func (s *Store) StoreMessage(ctx context.Context, message *types.Message) error {
	if err := s.fail("StoreMessage"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.fail("HealthCheck")
}

func (s *Store) Close() error {
	return nil
}
