// Package security turns untrusted rule documents into immutable
// SecurityOptions consumed by the file, process and network probes.
//
// A SecurityOptions holds an ordered list of SecurityOption rules that all
// carry the same filter variant, chosen by a FilterType. Construction
// either yields a complete rule set or nothing: a single malformed
// mandatory field anywhere in the document rejects the whole document.
// Optional fields that are malformed keep their defaults and are reported
// as warnings.
//
// Construction never logs. Every constructor returns the diag.Findings it
// accumulated so the caller can emit them against the owning pipeline's
// identity, including when construction failed.
package security
