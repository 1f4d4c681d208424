package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func openTestStore(t *testing.T) *Store {
	store, err := OpenStore(filepath.Join(t.TempDir(), "inkwire.db"))
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestStoreSessionRecords(t *testing.T) {
	store := openTestStore(t)

	record := &SessionRecord{
		Id:      "01J0TEST",
		Title:   "sketch night",
		Founder: "alice",
		Created: time.Now().UTC().Truncate(time.Second),
	}
	assert.Equal(t, store.PutSession(record), nil)

	loaded, err := store.Session("01J0TEST")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Title, "sketch night")
	assert.Equal(t, loaded.Founder, "alice")

	records, err := store.Sessions()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)

	assert.Equal(t, store.DeleteSession("01J0TEST"), nil)
	_, err = store.Session("01J0TEST")
	assert.Equal(t, errors.Is(err, ErrSessionUnknown), true)
}

func TestStoreCanvasStream(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Canvas("missing")
	assert.Equal(t, errors.Is(err, ErrSessionUnknown), true)

	stream := []byte{1, 2, 3, 4}
	assert.Equal(t, store.PutCanvas("01J0TEST", stream), nil)
	loaded, err := store.Canvas("01J0TEST")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, stream)
}

func TestStoreBans(t *testing.T) {
	store := openTestStore(t)

	banned, err := store.IsBanned("mallory")
	assert.Equal(t, err, nil)
	assert.Equal(t, banned, false)

	assert.Equal(t, store.PutBan(&BanRecord{Name: "mallory", Reason: "spam"}), nil)
	banned, err = store.IsBanned("mallory")
	assert.Equal(t, err, nil)
	assert.Equal(t, banned, true)

	bans, err := store.Bans()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(bans), 1)
	assert.Equal(t, bans[0].Reason, "spam")

	assert.Equal(t, store.DeleteBan("mallory"), nil)
	banned, _ = store.IsBanned("mallory")
	assert.Equal(t, banned, false)
}
