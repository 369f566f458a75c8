// Package disk is a gorilla/sessions store that keeps session data in a bbolt
// database. Only the encoded session ID goes in the cookie.
package disk

import (
	"bytes"
	"encoding/base32"
	"encoding/gob"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

type record struct {
	Data    string
	Expires *time.Time
}

func (r *record) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(r)
	return buf.Bytes(), err
}

func decodeRecord(data []byte) (*record, error) {
	var r *record
	buf := bytes.NewBuffer(data)
	err := gob.NewDecoder(buf).Decode(&r)
	return r, err
}

// Store implements sessions.Store.
type Store struct {
	db *bolt.DB

	Codecs  []securecookie.Codec
	Options *sessions.Options
	Now     func() time.Time
}

var _ sessions.Store = (*Store)(nil)

// New opens, or creates, the database at path. keyPairs are used the same way
// as for sessions.NewFilesystemStore. Sessions that have already expired are
// removed when the database is opened.
func New(path string, mode os.FileMode, keyPairs ...[]byte) (*Store, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open session database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create sessions bucket")
	}

	codecs := securecookie.CodecsFromPairs(keyPairs...)
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxLength(0)
		}
	}

	s := &Store{
		db:     db,
		Codecs: codecs,
		Options: &sessions.Options{
			Path:   "/",
			MaxAge: 86400 * 30,
		},
		Now: time.Now,
	}

	if _, err := s.DeleteExpired(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxAge sets the maximum age of new sessions, and of the cookie codecs.
func (s *Store) MaxAge(age int) {
	s.Options.MaxAge = age
	for _, c := range s.Codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxAge(age)
		}
	}
}

// Get returns a session for the given name, from the request registry if it's
// already been loaded.
func (s *Store) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New returns the session named by the request cookie. A missing or expired
// record gives a new, empty session and no error. A cookie that fails to
// decode gives a new session and the decode error.
func (s *Store) New(r *http.Request, name string) (*sessions.Session, error) {
	session := sessions.NewSession(s, name)
	opts := *s.Options
	session.Options = &opts
	session.IsNew = true

	c, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}
	if err := securecookie.DecodeMulti(name, c.Value, &session.ID, s.Codecs...); err != nil {
		session.ID = ""
		return session, err
	}

	found, err := s.load(session)
	if err != nil {
		session.ID = ""
		return session, err
	}
	if !found {
		session.ID = ""
		return session, nil
	}
	session.IsNew = false
	return session, nil
}

// Save writes the session and sets its cookie. A session with a negative
// MaxAge is deleted, and its cookie expired.
func (s *Store) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if session.Options.MaxAge < 0 {
		if err := s.erase(session.ID); err != nil {
			return err
		}
		http.SetCookie(w, sessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	if session.ID == "" {
		session.ID = strings.TrimRight(base32.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32)), "=")
	}
	if err := s.save(session); err != nil {
		return err
	}

	encoded, err := securecookie.EncodeMulti(session.Name(), session.ID, s.Codecs...)
	if err != nil {
		return errors.Wrap(err, "failed to encode session ID")
	}
	http.SetCookie(w, sessions.NewCookie(session.Name(), encoded, session.Options))
	return nil
}

// DeleteExpired removes every expired session, and returns how many there
// were.
func (s *Store) DeleteExpired() (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil || s.expired(r) {
				expired = append(expired, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, errors.Wrap(err, "failed to delete expired sessions")
}

func (s *Store) expired(r *record) bool {
	return r.Expires != nil && r.Expires.Before(s.Now())
}

func (s *Store) save(session *sessions.Session) error {
	encoded, err := securecookie.EncodeMulti(session.Name(), session.Values, s.Codecs...)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	r := &record{Data: encoded}
	if session.Options.MaxAge > 0 {
		exp := s.Now().Add(time.Duration(session.Options.MaxAge) * time.Second)
		r.Expires = &exp
	}
	rb, err := r.encode()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(session.ID), rb)
	})
}

// load reads the session's values. found is false if there is no record, or
// it has expired.
func (s *Store) load(session *sessions.Session) (found bool, err error) {
	var data string
	err = s.db.View(func(tx *bolt.Tx) error {
		o := tx.Bucket(sessionsBucket).Get([]byte(session.ID))
		if o == nil {
			return nil
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if s.expired(r) {
			return nil
		}
		found = true
		data = r.Data
		return nil
	})
	if err != nil || !found {
		return false, err
	}

	if err := securecookie.DecodeMulti(session.Name(), data, &session.Values, s.Codecs...); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) erase(id string) error {
	if id == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}
