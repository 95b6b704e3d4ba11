// Package platform talks to the LinkedIn-style REST API: OAuth token
// exchange and refresh, member profile lookup and post creation.
//
// The client never retries. Callers decide what a failure means; every
// non-2xx answer, transport error or deadline is returned as *RemoteError.
package platform
