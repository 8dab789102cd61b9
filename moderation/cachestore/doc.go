// Caching of effective domain block rules, keyed by hostname, as JSON strings with a fixed TTL and explicit purging.
//
// Includes an interface and implementations using redis (shared between processes) and in-process memory.
//
// Lookups on the content-processing path (reject media, reject reports, is-suspended) hit this cache instead of the database. Registry mutations purge the affected hostname.
package cachestore
