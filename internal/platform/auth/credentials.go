// Package auth resolves login attempts against the staff collection.
//
// Credentials are compared as plain text and the bootstrap admin/admin
// identity is always accepted. Both are inherited behavior of the deployed
// clinic, not a security design.
package auth

import (
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
)

// Authenticate returns the first stored account whose username and password
// both match exactly. When none matches, the bootstrap identity is accepted
// for admin/admin. Any other pair fails with clinic.ErrAuthFailure.
//
// users may be nil, which is how callers report an empty or unreachable
// collection.
func Authenticate(users []clinic.AppUser, username, password string) (clinic.AppUser, error) {
	for _, u := range users {
		if u.Username == username && u.Password == password {
			return u, nil
		}
	}
	if username == clinic.BootstrapUser.Username && password == clinic.BootstrapUser.Password {
		return clinic.BootstrapUser, nil
	}
	return clinic.AppUser{}, clinic.ErrAuthFailure
}
