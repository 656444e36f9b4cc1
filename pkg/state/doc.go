// Package state provides credential stores.
//
// Three implementations of credential.Store are available:
//
//   - FileRepository writes one JSON file per device (<id>.json).
//   - SealedRepository writes one age-encrypted CBOR record per device
//     (<id>.age), readable only with the repository's X25519 identity.
//   - MemoryRepository keeps credentials in process memory.
//
// File writes are atomic (temp file, then rename), so a crash never leaves a
// half-written credential behind. Device ids are validated before they are
// used as file names.
//
// # Usage
//
//	id, err := state.LoadOrGenerateIdentity(filepath.Join(home, ".camfleet", "identity.txt"))
//	if err != nil {
//	    return err
//	}
//	store := state.NewSealedRepository(dir, id)
//
//	cred, ok, err := store.Get(ctx, "1234")
//
// The JSON field names match credential files written by earlier tools, so an
// existing directory can be reused by pointing FileRepository at it.
package state
