package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/baotiao/zeppelin-gateway/internal/store"
)

// AdminPutUser creates a user and replies with the generated key pair as
// plaintext, access key and secret key separated by CRLF. Admin operations
// are unauthenticated and shared by the main and admin listeners.
func AdminPutUser(w http.ResponseWriter, r *http.Request, s store.Store, displayName string) {
	accessKey, secretKey, err := s.AddUser(r.Context(), displayName)
	if err != nil {
		slog.Error("AdminPutUser error", "user", displayName, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s\r\n%s", accessKey, secretKey)
}

// AdminListUsers dumps every user with their key pairs as plaintext. The
// "disply_name" label is the wire format clients already parse.
func AdminListUsers(w http.ResponseWriter, r *http.Request, s store.Store) {
	users, err := s.ListUsers(r.Context())
	if err != nil {
		slog.Error("AdminListUsers error", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	for _, u := range users {
		fmt.Fprintf(w, "disply_name: %s\r\n", u.DisplayName)
		accessKeys := make([]string, 0, len(u.KeyPairs))
		for ak := range u.KeyPairs {
			accessKeys = append(accessKeys, ak)
		}
		sort.Strings(accessKeys)
		for _, ak := range accessKeys {
			fmt.Fprintf(w, "%s\r\n%s\r\n", ak, u.KeyPairs[ak])
		}
		fmt.Fprint(w, "\r\n")
	}
}
