package session

import (
	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/store"
)

// AuthData is the authenticated identity. UserID, IDToken, Provider and Salt
// are always set; the rest are optional.
type AuthData struct {
	UserID   string
	IDToken  string
	Provider auth.Provider
	Salt     string
	Name     *string
	Mail     *string
	PhotoURL *string
}

// IdentityKeys are the store keys that hold AuthData.
var IdentityKeys = []string{
	store.KeyUserID,
	store.KeyIDToken,
	store.KeyProvider,
	store.KeySalt,
	store.KeyName,
	store.KeyMail,
	store.KeyPhotoURL,
}

// Complete reports whether the four required fields are present.
func (a *AuthData) Complete() bool {
	return a != nil &&
		a.UserID != "" &&
		a.IDToken != "" &&
		a.Provider.Valid() &&
		a.Salt != ""
}

// MarshalZerologObject logs a without its ID token or profile values.
func (a *AuthData) MarshalZerologObject(e *zerolog.Event) {
	e.Str("user_id", a.UserID).
		Str("provider", a.Provider.String()).
		Bool("has_id_token", a.IDToken != "").
		Bool("has_salt", a.Salt != "").
		Bool("has_name", a.Name != nil).
		Bool("has_mail", a.Mail != nil).
		Bool("has_photo_url", a.PhotoURL != nil)
}

// changes returns the writes that persist a. Optional fields that are nil
// are left out so they never erase a stored value.
func (a *AuthData) changes() store.Changes {
	c := store.Changes{}.
		Put(store.KeyUserID, a.UserID).
		Put(store.KeyIDToken, a.IDToken).
		Put(store.KeyProvider, string(a.Provider)).
		Put(store.KeySalt, a.Salt)
	if a.Name != nil {
		c.Put(store.KeyName, *a.Name)
	}
	if a.Mail != nil {
		c.Put(store.KeyMail, *a.Mail)
	}
	if a.PhotoURL != nil {
		c.Put(store.KeyPhotoURL, *a.PhotoURL)
	}
	return c
}

// authDataFromValues builds AuthData from stored values. Partial identities
// read as nil.
func authDataFromValues(values map[string]string) *AuthData {
	a := &AuthData{
		UserID:   values[store.KeyUserID],
		IDToken:  values[store.KeyIDToken],
		Provider: auth.Provider(values[store.KeyProvider]),
		Salt:     values[store.KeySalt],
		Name:     optional(values, store.KeyName),
		Mail:     optional(values, store.KeyMail),
		PhotoURL: optional(values, store.KeyPhotoURL),
	}
	if !a.Complete() {
		return nil
	}
	return a
}

func optional(values map[string]string, key string) *string {
	v, ok := values[key]
	if !ok {
		return nil
	}
	return &v
}
