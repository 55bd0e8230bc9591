// Package branch implements the self-hosted branch/space registry of
// spec.md §4.7: branch and space metadata persisted through the kernel
// itself under the reserved TagSystem primitive tag, so it survives
// recovery like any other committed data. Grounded on the teacher's
// pkg/turdb catalog pattern (an in-memory index rebuilt from what's already
// on disk at Open, mutated through the same write path as user data) rather
// than a side-channel metadata file.
package branch

import (
	"strconv"
	"sync"
	"time"

	"stratadb/internal/durability"
	"stratadb/internal/kkey"
	"stratadb/internal/occ"
	"stratadb/internal/store"
	"stratadb/internal/types"
)

// controlBranchID/controlSpaceID host branch/space metadata itself (spec.md
// §3 Ownership: "Branch/space metadata is owned by the kernel under a
// dedicated system primitive tag").
const controlBranchID = 0
const controlSpaceID = 0

// DefaultBranchName and DefaultSpaceName are the reserved names that always
// exist and can never be deleted (spec.md §3, §4.7).
const DefaultBranchName = "default"
const DefaultSpaceName = "default"

const branchKeyPrefix = "branch/"
const spaceKeyPrefix = "space/"

// Info describes a registered branch.
type Info struct {
	ID      uint64
	Name    string
	Policy  durability.Policy
	Deleted bool
}

// SpaceInfo describes a registered space within a branch.
type SpaceInfo struct {
	ID       uint64
	BranchID uint64
	Name     string
	Deleted  bool
}

// Manager is the branch/space registry. Safe for concurrent use.
type Manager struct {
	store *store.Store
	occ   *occ.Manager

	mu           sync.RWMutex
	branchByName map[string]*Info
	branchByID   map[uint64]*Info
	spaceByKey   map[string]*SpaceInfo // "<branchID>/<name>"
	nextBranchID uint64
	nextSpaceID  uint64
}

// NewManager constructs an empty registry; call Bootstrap before use.
func NewManager(st *store.Store, m *occ.Manager) *Manager {
	return &Manager{
		store:        st,
		occ:          m,
		branchByName: make(map[string]*Info),
		branchByID:   make(map[uint64]*Info),
		spaceByKey:   make(map[string]*SpaceInfo),
		nextBranchID: 1,
		nextSpaceID:  1,
	}
}

func maxVersion() types.Version { return types.TxnVersion(^uint64(0)) }

// Bootstrap registers the control branch with the OCC manager, loads
// whatever branch/space metadata the store already holds (from a prior
// recovery run), and creates the reserved "default" branch and space if
// they don't exist yet.
func (m *Manager) Bootstrap(controlPolicy, defaultBranchPolicy durability.Policy) error {
	if err := m.occ.RegisterBranch(controlBranchID, controlPolicy); err != nil {
		return err
	}
	m.load()

	if _, ok := m.branchByName[DefaultBranchName]; !ok {
		if _, err := m.CreateBranch(DefaultBranchName, defaultBranchPolicy); err != nil {
			return err
		}
	}
	defaultBranch := m.branchByName[DefaultBranchName]
	if _, ok := m.spaceByKey[spaceMapKey(defaultBranch.ID, DefaultSpaceName)]; !ok {
		if _, err := m.CreateSpace(defaultBranch.ID, DefaultSpaceName); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) load() {
	entries := m.store.ListBranch(controlBranchID, maxVersion())
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		userKey := string(e.Key.UserKey)
		switch {
		case len(userKey) > len(branchKeyPrefix) && userKey[:len(branchKeyPrefix)] == branchKeyPrefix:
			info := decodeBranchInfo(e.Value.Value)
			m.branchByName[info.Name] = &info
			m.branchByID[info.ID] = &info
			if info.ID >= m.nextBranchID {
				m.nextBranchID = info.ID + 1
			}
		case len(userKey) > len(spaceKeyPrefix) && userKey[:len(spaceKeyPrefix)] == spaceKeyPrefix:
			info := decodeSpaceInfo(e.Value.Value)
			m.spaceByKey[spaceMapKey(info.BranchID, info.Name)] = &info
			if info.ID >= m.nextSpaceID {
				m.nextSpaceID = info.ID + 1
			}
		}
	}
}

func spaceMapKey(branchID uint64, name string) string {
	return strconv.FormatUint(branchID, 10) + "/" + name
}

func branchMetaKey(name string) kkey.Key {
	return kkey.New(controlBranchID, controlSpaceID, kkey.TagSystem, []byte(branchKeyPrefix+name))
}

func spaceMetaKey(branchID uint64, name string) kkey.Key {
	return kkey.New(controlBranchID, controlSpaceID, kkey.TagSystem, []byte(spaceKeyPrefix+spaceMapKey(branchID, name)))
}

func encodeBranchInfo(info Info) types.Value {
	return types.NewObject([]types.ObjectEntry{
		{Key: "id", Value: types.Int(int64(info.ID))},
		{Key: "name", Value: types.String(info.Name)},
		{Key: "mode", Value: types.Int(int64(info.Policy.Mode))},
		{Key: "interval_ms", Value: types.Int(info.Policy.Interval.Milliseconds())},
		{Key: "bytes_threshold", Value: types.Int(info.Policy.BytesThreshold)},
		{Key: "deleted", Value: types.Bool(info.Deleted)},
	})
}

func decodeBranchInfo(v types.Value) Info {
	var info Info
	for _, e := range v.AsObject() {
		switch e.Key {
		case "id":
			info.ID = uint64(e.Value.AsInt())
		case "name":
			info.Name = e.Value.AsString()
		case "mode":
			info.Policy.Mode = durability.Mode(e.Value.AsInt())
		case "interval_ms":
			info.Policy.Interval = time.Duration(e.Value.AsInt()) * time.Millisecond
		case "bytes_threshold":
			info.Policy.BytesThreshold = e.Value.AsInt()
		case "deleted":
			info.Deleted = e.Value.AsBool()
		}
	}
	return info
}

func encodeSpaceInfo(info SpaceInfo) types.Value {
	return types.NewObject([]types.ObjectEntry{
		{Key: "id", Value: types.Int(int64(info.ID))},
		{Key: "branch_id", Value: types.Int(int64(info.BranchID))},
		{Key: "name", Value: types.String(info.Name)},
		{Key: "deleted", Value: types.Bool(info.Deleted)},
	})
}

func decodeSpaceInfo(v types.Value) SpaceInfo {
	var info SpaceInfo
	for _, e := range v.AsObject() {
		switch e.Key {
		case "id":
			info.ID = uint64(e.Value.AsInt())
		case "branch_id":
			info.BranchID = uint64(e.Value.AsInt())
		case "name":
			info.Name = e.Value.AsString()
		case "deleted":
			info.Deleted = e.Value.AsBool()
		}
	}
	return info
}

// CreateBranch registers a new branch, persisting its metadata through a
// kernel transaction on the control branch and opening its WAL under the
// OCC manager (spec.md §4.7: "Branch create... is a kernel transaction like
// any other").
func (m *Manager) CreateBranch(name string, policy durability.Policy) (Info, error) {
	m.mu.Lock()
	if _, exists := m.branchByName[name]; exists {
		m.mu.Unlock()
		return Info{}, types.ConstraintViolation("branch already exists: " + name)
	}
	id := m.nextBranchID
	m.nextBranchID++
	m.mu.Unlock()

	info := Info{ID: id, Name: name, Policy: policy}
	if err := m.commitControl(branchMetaKey(name), encodeBranchInfo(info)); err != nil {
		return Info{}, err
	}
	if err := m.occ.RegisterBranch(id, policy); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	m.branchByName[name] = &info
	m.branchByID[id] = &info
	m.mu.Unlock()
	return info, nil
}

// DeleteBranch removes a non-default branch: its metadata is marked
// deleted and every live key it owns is tombstoned in the same kernel
// transaction (spec.md §4.7: "deletion of a non-default branch issues
// tombstones across all of that branch's keys atomically").
func (m *Manager) DeleteBranch(name string) error {
	if name == DefaultBranchName {
		return types.ConstraintViolation("the default branch cannot be deleted")
	}
	m.mu.RLock()
	info, ok := m.branchByName[name]
	m.mu.RUnlock()
	if !ok {
		return types.NotFound("branch not found: " + name)
	}

	tx, err := m.occ.Begin(info.ID)
	if err != nil {
		return err
	}
	for _, e := range m.store.ListBranch(info.ID, maxVersion()) {
		if err := tx.Delete(e.Key); err != nil {
			m.occ.Rollback(tx)
			return err
		}
	}
	if err := m.occ.Commit(tx); err != nil {
		return err
	}

	deleted := *info
	deleted.Deleted = true
	if err := m.commitControl(branchMetaKey(name), encodeBranchInfo(deleted)); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.branchByName, name)
	delete(m.branchByID, info.ID)
	m.mu.Unlock()
	return nil
}

// CreateSpace registers a space explicitly. Spaces are normally
// auto-registered on first write (spec.md §4.7); this is used by that
// auto-registration path and by an explicit admin create call.
func (m *Manager) CreateSpace(branchID uint64, name string) (SpaceInfo, error) {
	key := spaceMapKey(branchID, name)
	m.mu.Lock()
	if existing, exists := m.spaceByKey[key]; exists && !existing.Deleted {
		m.mu.Unlock()
		return *existing, nil
	}
	id := m.nextSpaceID
	m.nextSpaceID++
	m.mu.Unlock()

	info := SpaceInfo{ID: id, BranchID: branchID, Name: name}
	if err := m.commitControl(spaceMetaKey(branchID, name), encodeSpaceInfo(info)); err != nil {
		return SpaceInfo{}, err
	}

	m.mu.Lock()
	m.spaceByKey[key] = &info
	m.mu.Unlock()
	return info, nil
}

// EnsureSpace auto-registers space on first write (spec.md §4.7: "Space
// create is implicit on first write").
func (m *Manager) EnsureSpace(branchID uint64, name string) (SpaceInfo, error) {
	m.mu.RLock()
	info, ok := m.spaceByKey[spaceMapKey(branchID, name)]
	m.mu.RUnlock()
	if ok && !info.Deleted {
		return *info, nil
	}
	return m.CreateSpace(branchID, name)
}

// DeleteSpace removes a space. A non-empty space requires force=true to
// override the guard (spec.md §4.7).
func (m *Manager) DeleteSpace(branchID uint64, name string, force bool) error {
	if name == DefaultSpaceName {
		return types.ConstraintViolation("the default space cannot be deleted")
	}
	m.mu.RLock()
	info, ok := m.spaceByKey[spaceMapKey(branchID, name)]
	m.mu.RUnlock()
	if !ok || info.Deleted {
		return types.NotFound("space not found: " + name)
	}

	nonEmpty := m.spaceHasLiveKeys(branchID, info.ID)
	if nonEmpty && !force {
		return types.ConstraintViolation("space is not empty: " + name)
	}

	if nonEmpty {
		tx, err := m.occ.Begin(branchID)
		if err != nil {
			return err
		}
		for _, tag := range allTags() {
			for _, e := range m.store.List(branchID, info.ID, tag, nil, maxVersion()) {
				if err := tx.Delete(e.Key); err != nil {
					m.occ.Rollback(tx)
					return err
				}
			}
		}
		if err := m.occ.Commit(tx); err != nil {
			return err
		}
	}

	deleted := *info
	deleted.Deleted = true
	if err := m.commitControl(spaceMetaKey(branchID, name), encodeSpaceInfo(deleted)); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.spaceByKey, spaceMapKey(branchID, name))
	m.mu.Unlock()
	return nil
}

func (m *Manager) spaceHasLiveKeys(branchID, spaceID uint64) bool {
	for _, tag := range allTags() {
		if len(m.store.List(branchID, spaceID, tag, nil, maxVersion())) > 0 {
			return true
		}
	}
	return false
}

func allTags() []kkey.Tag {
	return []kkey.Tag{kkey.TagKV, kkey.TagEvent, kkey.TagState, kkey.TagJSON, kkey.TagVectorData, kkey.TagVectorMeta}
}

// Branch looks up a branch by name.
func (m *Manager) Branch(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.branchByName[name]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// BranchByID looks up a branch by its stable id.
func (m *Manager) BranchByID(id uint64) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.branchByID[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// ListBranches returns every registered (non-deleted) branch.
func (m *Manager) ListBranches() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.branchByName))
	for _, info := range m.branchByName {
		out = append(out, *info)
	}
	return out
}

// SetBranchPolicy reconfigures a branch's durability mode, both in the OCC
// manager and in persisted metadata (spec.md §4.8: "re-read on recovery").
func (m *Manager) SetBranchPolicy(name string, policy durability.Policy) error {
	m.mu.RLock()
	info, ok := m.branchByName[name]
	m.mu.RUnlock()
	if !ok {
		return types.NotFound("branch not found: " + name)
	}
	if err := m.occ.SetBranchPolicy(info.ID, policy); err != nil {
		return err
	}
	updated := *info
	updated.Policy = policy
	if err := m.commitControl(branchMetaKey(name), encodeBranchInfo(updated)); err != nil {
		return err
	}
	m.mu.Lock()
	m.branchByName[name] = &updated
	m.branchByID[info.ID] = &updated
	m.mu.Unlock()
	return nil
}

// commitControl writes one key to the control branch's self-hosted
// metadata through the normal OCC commit path, so it is WAL-durable and
// recovery-replayed like any other kernel write.
func (m *Manager) commitControl(key kkey.Key, value types.Value) error {
	tx, err := m.occ.Begin(controlBranchID)
	if err != nil {
		return err
	}
	if err := tx.Put(key, value, nil); err != nil {
		m.occ.Rollback(tx)
		return err
	}
	return m.occ.Commit(tx)
}

