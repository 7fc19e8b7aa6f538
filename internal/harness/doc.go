// Package harness runs multi-client sync scenarios against an in-memory
// server.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: concurrent_insert
//	description: "Second writer of the same record loses"
//	clients: [a, b]
//	seed:
//	  - { collection: todo, id: t0, fields: { title: milk } }
//	steps:
//	  - client: a
//	    push:
//	      - { type: insert, collection: todo, id: t1, fields: { title: eggs } }
//	  - client: b
//	    push:
//	      - { type: insert, collection: todo, id: t1, fields: { title: bread } }
//	    expect:
//	      error: conflict
//	      conflicts: [both_modified]
//	expect:
//	  revision: 2
//	  converged: true
//	  records:
//	    - { collection: todo, id: t0, fields: { title: milk } }
//	    - { collection: todo, id: t1, fields: { title: eggs } }
//
// Every client opens the database before the first step. A step does one
// thing: push a new transaction, retry the client's last transaction,
// update, inject a server fault, or invalidate the database.
//
// # Deterministic Testing
//
// Delta ids come from a per-client sequence ("a-1", "a-2", ...), so the
// step trace is stable and can be compared against golden files in
// testdata/golden.
package harness
