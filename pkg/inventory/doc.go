/*
Package inventory loads and validates the declarative fleet description.

An inventory is a single YAML document listing hosts and the roles they
run:

	hosts:
	  - id: web-1
	    address: 10.20.0.11
	    roles: [webapp, cache]

	roles:
	  webapp:
	    image: registry.internal/webapp:2.4.1
	    volumes:
	      - name: webapp_data
	        mountPath: /data
	    secrets:
	      - name: db_password
	        type: password
	  cache:
	    image: registry.internal/redis:7.2
	    volumes:
	      - name: cache_data
	        mountPath: /var/lib/redis

Load performs structural validation only: references resolve and are
unique, enums are known, exceptions carry a host path and a recorded
reason, and every name that becomes a path segment under the managed
tree (host IDs, role, volume, and secret names) is a single clean
segment. Host-state
validation (subordinate range conflicts, bind-mount policy against the
managed tree) is the job of pkg/identity and pkg/fspolicy during the
reconciler's validate phase.
*/
package inventory
