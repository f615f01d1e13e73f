package ldclient

import (
	"sync"

	"gopkg.in/launchdarkly/go-server-sdk.v4/ldlog"
)

// FeatureStoreUpdate describes a single data item that was added, updated, or deleted in a
// feature store.
type FeatureStoreUpdate struct {
	// Kind is the category of the item, e.g. Features or Segments.
	Kind VersionedDataKind
	// Key is the unique key of the item within its category.
	Key string
}

// FeatureStoreUpdateSubscription represents a subscription to feature store updates created
// with NotifyingFeatureStore.Updates or UpdatesForKey.
type FeatureStoreUpdateSubscription interface {
	// Channel returns the channel for receiving updates.
	Channel() <-chan FeatureStoreUpdate
	// Close stops the subscription, closing the channel.
	Close()
}

// NotifyingFeatureStore is a FeatureStore decorator that publishes a notification after
// every operation that really changed the stored data. Operations that turn out to be
// no-ops, such as an upsert or delete that loses its version check, or an init that writes
// data identical to what was already present, publish nothing.
//
// Notifications are published only after the inner store has committed the change. There
// are two subscription surfaces: Updates receives every change, and UpdatesForKey receives
// only changes to one key. Subscription channels are buffered; an update is dropped for a
// subscriber that is not consuming its channel.
type NotifyingFeatureStore struct {
	core     FeatureStore
	allSubs  []chan FeatureStoreUpdate
	keySubs  map[string][]chan FeatureStoreUpdate
	versions map[string]map[string]itemState
	kinds    map[string]VersionedDataKind
	lock     sync.Mutex
	loggers  ldlog.Loggers
}

// itemState is the wrapper's record of what it last committed for a key, so that losing
// version checks can be detected without another store read.
type itemState struct {
	version int
	deleted bool
}

const storeUpdateChannelCapacity = 10

type featureStoreUpdateSubscription struct {
	ch        chan FeatureStoreUpdate
	owner     *NotifyingFeatureStore
	key       string
	closeOnce sync.Once
}

// NewNotifyingFeatureStore creates a NotifyingFeatureStore wrapping the given store. All
// writes must go through the wrapper or the notifications will not reflect them.
func NewNotifyingFeatureStore(core FeatureStore, loggers ldlog.Loggers) *NotifyingFeatureStore {
	loggers.SetPrefix("NotifyingFeatureStore:")
	return &NotifyingFeatureStore{
		core:     core,
		keySubs:  make(map[string][]chan FeatureStoreUpdate),
		versions: make(map[string]map[string]itemState),
		kinds:    make(map[string]VersionedDataKind),
		loggers:  loggers,
	}
}

// Updates opens a subscription that receives a notification for every committed change.
func (w *NotifyingFeatureStore) Updates() FeatureStoreUpdateSubscription {
	w.lock.Lock()
	defer w.lock.Unlock()
	ch := make(chan FeatureStoreUpdate, storeUpdateChannelCapacity)
	w.allSubs = append(w.allSubs, ch)
	return &featureStoreUpdateSubscription{ch: ch, owner: w}
}

// UpdatesForKey opens a subscription that receives a notification only for committed
// changes to the item with the given key, in any data kind.
func (w *NotifyingFeatureStore) UpdatesForKey(key string) FeatureStoreUpdateSubscription {
	w.lock.Lock()
	defer w.lock.Unlock()
	ch := make(chan FeatureStoreUpdate, storeUpdateChannelCapacity)
	w.keySubs[key] = append(w.keySubs[key], ch)
	return &featureStoreUpdateSubscription{ch: ch, owner: w, key: key}
}

// Get forwards to the wrapped store.
func (w *NotifyingFeatureStore) Get(kind VersionedDataKind, key string) (VersionedData, error) {
	return w.core.Get(kind, key)
}

// All forwards to the wrapped store.
func (w *NotifyingFeatureStore) All(kind VersionedDataKind) (map[string]VersionedData, error) {
	return w.core.All(kind)
}

// Init replaces the entire contents of the wrapped store, then publishes a notification for
// every key whose state differs from what was previously committed (including keys that the
// new data set no longer contains).
func (w *NotifyingFeatureStore) Init(allData map[VersionedDataKind]map[string]VersionedData) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err := w.core.Init(allData); err != nil {
		return err
	}

	oldVersions := w.versions
	newVersions := make(map[string]map[string]itemState)
	var changed []FeatureStoreUpdate

	for kind, items := range allData {
		ns := kind.GetNamespace()
		w.kinds[ns] = kind
		newVersions[ns] = make(map[string]itemState, len(items))
		for key, item := range items {
			state := itemState{version: item.GetVersion(), deleted: item.IsDeleted()}
			newVersions[ns][key] = state
			if old, found := oldVersions[ns][key]; !found || old != state {
				changed = append(changed, FeatureStoreUpdate{Kind: kind, Key: key})
			}
		}
	}
	// Keys that just disappeared are changes too
	for ns, oldItems := range oldVersions {
		kind := w.kinds[ns]
		if kind == nil {
			continue
		}
		for key := range oldItems {
			if _, found := newVersions[ns][key]; !found {
				changed = append(changed, FeatureStoreUpdate{Kind: kind, Key: key})
			}
		}
	}

	w.versions = newVersions
	for _, update := range changed {
		w.publish(update)
	}
	return nil
}

// Upsert forwards to the wrapped store and publishes a notification if the new item's
// version won over the previously committed state.
func (w *NotifyingFeatureStore) Upsert(kind VersionedDataKind, item VersionedData) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err := w.core.Upsert(kind, item); err != nil {
		return err
	}
	if w.commit(kind, item.GetKey(), itemState{version: item.GetVersion(), deleted: item.IsDeleted()}) {
		w.publish(FeatureStoreUpdate{Kind: kind, Key: item.GetKey()})
	}
	return nil
}

// Delete forwards to the wrapped store and publishes a notification if the tombstone's
// version won over the previously committed state.
func (w *NotifyingFeatureStore) Delete(kind VersionedDataKind, key string, version int) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err := w.core.Delete(kind, key, version); err != nil {
		return err
	}
	if w.commit(kind, key, itemState{version: version, deleted: true}) {
		w.publish(FeatureStoreUpdate{Kind: kind, Key: key})
	}
	return nil
}

// Initialized forwards to the wrapped store.
func (w *NotifyingFeatureStore) Initialized() bool {
	return w.core.Initialized()
}

// Close closes all subscription channels and then the wrapped store.
func (w *NotifyingFeatureStore) Close() error {
	w.lock.Lock()
	for _, ch := range w.allSubs {
		close(ch)
	}
	w.allSubs = nil
	for _, chs := range w.keySubs {
		for _, ch := range chs {
			close(ch)
		}
	}
	w.keySubs = make(map[string][]chan FeatureStoreUpdate)
	w.lock.Unlock()
	return w.core.Close()
}

// commit records the new state for a key, returning true if it represents a real change
// (the same version check the store itself applies).
func (w *NotifyingFeatureStore) commit(kind VersionedDataKind, key string, state itemState) bool {
	ns := kind.GetNamespace()
	w.kinds[ns] = kind
	if w.versions[ns] == nil {
		w.versions[ns] = make(map[string]itemState)
	}
	if old, found := w.versions[ns][key]; found && state.version <= old.version {
		return false
	}
	w.versions[ns][key] = state
	return true
}

// publish must be called with the lock held.
func (w *NotifyingFeatureStore) publish(update FeatureStoreUpdate) {
	for _, ch := range w.allSubs {
		w.send(ch, update)
	}
	for _, ch := range w.keySubs[update.Key] {
		w.send(ch, update)
	}
}

func (w *NotifyingFeatureStore) send(ch chan FeatureStoreUpdate, update FeatureStoreUpdate) {
	select {
	case ch <- update:
	default:
		w.loggers.Warnf("Dropped update notification for %q; subscriber is not consuming its channel", update.Key)
	}
}

func (sub *featureStoreUpdateSubscription) Channel() <-chan FeatureStoreUpdate {
	return sub.ch
}

func (sub *featureStoreUpdateSubscription) Close() {
	sub.closeOnce.Do(func() {
		sub.owner.unsubscribe(sub)
	})
}

func (w *NotifyingFeatureStore) unsubscribe(sub *featureStoreUpdateSubscription) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if sub.key == "" {
		for i, ch := range w.allSubs {
			if ch == sub.ch {
				w.allSubs = append(w.allSubs[:i], w.allSubs[i+1:]...)
				close(ch)
				return
			}
		}
		return
	}
	chs := w.keySubs[sub.key]
	for i, ch := range chs {
		if ch == sub.ch {
			w.keySubs[sub.key] = append(chs[:i], chs[i+1:]...)
			close(ch)
			return
		}
	}
}
