// Package schema binds schema fields to store references and implements
// the field read/write path.
//
// A field's RefAtomUUID is written only by Registry.ResolveOrCreate, after
// the reference itself has been persisted. Registry.Load clears any binding
// whose reference is missing, so no field ever names a ghost reference.
//
// Fields turns a write into: resolve reference, create atom linked to the
// previous head, move the head, publish FieldChanged with the change
// fingerprint. Permission checks happen before these calls.
package schema
