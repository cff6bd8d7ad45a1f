// Package core contains canonical gateway domain contracts, entities, and
// configuration. Leaf packages (queue, providers, failover, dispatch) must
// depend on this package; core must not depend on backend-specific or
// transport-specific adapters.
package core
