// Command gateway runs the admission control gateway: the decision API, the
// admission middleware in front of proxied services and the admin API.
//
// Usage:
//
//	gateway serve --config config.yaml
//	gateway migrate
//	gateway rollup --hour 2026-03-14T09:00:00Z
package main

func main() {
	Execute()
}
