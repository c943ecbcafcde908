// Package simplestorage provides a single storage contract over several
// unrelated persistence backends: the local filesystem, S3-compatible object
// stores, Azure blob containers and MongoDB GridFS.
//
// Every backend implements the Service interface. Callers address content by
// forward-slash logical paths ("a/b.txt") and receive Blob values, which are
// either a *File (content, size, content type, metadata) or a *Directory.
// Backends without native directories emulate them from key prefixes, so a
// listing of "" over the keys "a/b.txt" and "a/c.txt" yields one synthetic
// Directory named "a".
//
// Absence is not an error: Open returns a nil Blob, Exists returns false,
// Delete is a no-op and List yields nothing. Failures are reported as
// *StorageError values carrying a Kind so callers can branch on the failure
// class without knowing which backend produced it:
//
//	blob, err := svc.Open(ctx, "reports/q1.json")
//	switch {
//	case errors.Is(err, simplestorage.ErrPermissionDenied):
//		// ...
//	case err != nil:
//		return err
//	case blob == nil:
//		// not found
//	}
//
// Content types are taken from the UploadRequest when given and otherwise
// resolved from the bytes by a ContentTypeResolver (see the contenttype
// subpackage). Backend implementations live under storage/, configuration
// loading under config/ and an HTTP surface under api/.
package simplestorage
