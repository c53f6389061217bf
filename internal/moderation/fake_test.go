package moderation

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// fakePlatform is an in-memory guild.
type fakePlatform struct {
	mu        sync.Mutex
	roles     map[string]Role // by name
	members   map[string]*Member
	channels  []Channel
	overrides map[string]Permission // channelID/roleID
	banned    map[string]string
	sent      []string
	purged    map[string]int
	positions map[string]int
	nextID    int

	forbidCreate bool
	forbidBan    bool
	failRemove   error
	failChannels error
	// failOverwrite fails SetChannelPermissions for the keyed channel ID.
	failOverwrite map[string]error
	calls         []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		roles:     map[string]Role{"Cat Devs": {ID: "r-mod", Name: "Cat Devs"}},
		members:   map[string]*Member{},
		channels:  []Channel{{ID: "c1", Name: "general"}, {ID: "c2", Name: "voice"}},
		overrides: map[string]Permission{},
		banned:    map[string]string{},
		purged:    map[string]int{},
		positions: map[string]int{},
	}
}

func (f *fakePlatform) addMember(id string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = &Member{ID: id, Name: "user-" + id, RoleIDs: roles}
}

func (f *fakePlatform) memberRoles(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return nil
	}
	return slices.Clone(m.RoleIDs)
}

func (f *fakePlatform) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakePlatform) GetRole(_ context.Context, name string) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	return r, nil
}

func (f *fakePlatform) CreateRole(_ context.Context, name string, _ Permission, _ string) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create_role")
	if f.forbidCreate {
		return Role{}, fmt.Errorf("create role: %w", ErrForbidden)
	}
	f.nextID++
	r := Role{ID: fmt.Sprintf("r%d", f.nextID), Name: name}
	f.roles[name] = r
	return r, nil
}

func (f *fakePlatform) EditRolePosition(_ context.Context, roleID string, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[roleID] = position
	return nil
}

func (f *fakePlatform) Channels(context.Context) ([]Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChannels != nil {
		return nil, f.failChannels
	}
	return slices.Clone(f.channels), nil
}

func (f *fakePlatform) SetChannelPermissions(_ context.Context, channelID, roleID string, deny Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOverwrite[channelID]; err != nil {
		return err
	}
	f.overrides[channelID+"/"+roleID] = deny
	return nil
}

func (f *fakePlatform) GetMember(_ context.Context, userID string) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[userID]
	if !ok {
		return Member{}, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	out := *m
	out.RoleIDs = slices.Clone(m.RoleIDs)
	return out, nil
}

func (f *fakePlatform) AddRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "add_role")
	m, ok := f.members[userID]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	if !slices.Contains(m.RoleIDs, roleID) {
		m.RoleIDs = append(m.RoleIDs, roleID)
	}
	return nil
}

func (f *fakePlatform) RemoveRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove_role")
	if f.failRemove != nil {
		return f.failRemove
	}
	m, ok := f.members[userID]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(id string) bool { return id == roleID })
	return nil
}

func (f *fakePlatform) Ban(_ context.Context, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forbidBan {
		return fmt.Errorf("ban: %w", ErrForbidden)
	}
	f.banned[userID] = reason
	return nil
}

func (f *fakePlatform) SendMessage(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+": "+text)
	return nil
}

func (f *fakePlatform) PurgeMessages(_ context.Context, channelID string, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged[channelID] += limit
	return limit, nil
}

// lines collects mod-log output.
type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) Post(_ context.Context, line string) {
	l.mu.Lock()
	l.all = append(l.all, line)
	l.mu.Unlock()
}

func (l *lines) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.all)
}
