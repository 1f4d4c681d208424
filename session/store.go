package session

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

// The store persists session state across daemon restarts: one bucket of
// serialized canvas streams, one of session records, and one of bans. All
// access goes through bolt transactions; the store has no state of its own.

var (
	bucketCanvases = []byte("canvases")
	bucketSessions = []byte("sessions")
	bucketBans     = []byte("bans")
)

var ErrSessionUnknown = errors.New("unknown session")

type SessionRecord struct {
	Id      string    `json:"id"`
	Title   string    `json:"title"`
	Founder string    `json:"founder"`
	Created time.Time `json:"created"`
}

type BanRecord struct {
	Name   string    `json:"name"`
	Reason string    `json:"reason"`
	Banned time.Time `json:"banned"`
}

type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCanvases, bucketSessions, bucketBans} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func (self *Store) PutSession(record *SessionRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(record.Id), value)
	})
}

func (self *Store) Session(id string) (*SessionRecord, error) {
	var record *SessionRecord
	err := self.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketSessions).Get([]byte(id))
		if value == nil {
			return ErrSessionUnknown
		}
		record = &SessionRecord{}
		return json.Unmarshal(value, record)
	})
	return record, err
}

func (self *Store) Sessions() ([]*SessionRecord, error) {
	records := []*SessionRecord{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			record := &SessionRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

func (self *Store) DeleteSession(id string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketCanvases).Delete([]byte(id))
	})
}

// PutCanvas stores the serialized canvas stream for a session.
func (self *Store) PutCanvas(id string, stream []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCanvases).Put([]byte(id), stream)
	})
}

func (self *Store) Canvas(id string) ([]byte, error) {
	var stream []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketCanvases).Get([]byte(id))
		if value == nil {
			return ErrSessionUnknown
		}
		stream = append([]byte{}, value...)
		return nil
	})
	return stream, err
}

func (self *Store) PutBan(record *BanRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Put([]byte(record.Name), value)
	})
}

func (self *Store) DeleteBan(name string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Delete([]byte(name))
	})
}

func (self *Store) IsBanned(name string) (bool, error) {
	banned := false
	err := self.db.View(func(tx *bolt.Tx) error {
		banned = tx.Bucket(bucketBans).Get([]byte(name)) != nil
		return nil
	})
	return banned, err
}

func (self *Store) Bans() ([]*BanRecord, error) {
	records := []*BanRecord{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).ForEach(func(k, v []byte) error {
			record := &BanRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}
