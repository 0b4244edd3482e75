// Package endpoint exposes guest-declared HTTP routes under the host
// application's web server.
//
// Every instance's routes live under /plugins/{id}, so two plugins can
// never claim the same URL. Matching is exact on method and path; the
// host can intercept any route ahead of guest dispatch, which serves
// cached or host-synthesized replies without waking the guest.
//
// Requests and responses cross the guest boundary as single JSON
// documents. Handler calls go through an Invoker implemented by the
// lifecycle manager, which owns instance locking, call deadlines and
// crash escalation.
package endpoint
