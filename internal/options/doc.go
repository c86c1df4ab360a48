// Package options provides configuration management for the winsyncd
// replication engine, supporting multiple configuration sources with
// priority-based resolution.
//
// # Overview
//
// Process-wide settings (log level, status server address, default
// timeout) come from command-line flags, environment variables, and .env
// files, in that priority order. The list of sync agreements to run comes
// from a separate YAML file (see LoadAgreements), since that list is
// naturally multi-valued and doesn't fit the flag/env model.
//
// # Usage
//
//	opts, err := options.Parse()
//	if err != nil {
//	    log.Fatal().Err(err).Msg("failed to parse configuration")
//	}
//
//	agreements, err := options.LoadAgreements(opts)
//	if err != nil {
//	    log.Fatal().Err(err).Msg("failed to load agreements")
//	}
//
// # Agreements file
//
// A YAML list, one entry per agreement:
//
//	- name: corp-dc1
//	  local_subtree: ou=people,dc=example,dc=com
//	  remote_subtree: cn=users,dc=corp,dc=example,dc=com
//	  endpoint: dc1.corp.example.com:636
//	  transport: tls
//	  bind_dn: cn=svc-winsync,ou=service,dc=corp,dc=example,dc=com
//	  bind_password: <bind password>
//	  mechanism: simple
//	  winsync_domain: corp.example.com
//	  flavor: generic-ad
//	  create_users: true
//	  create_groups: true
//	  out_of_scope_action: unsync
//
// Values are used as written: LoadAgreements does not expand environment
// variable references such as ${NAME}.
//
// # Environment variables
//
//	LOG_LEVEL                  Log level (default: info)
//	WINSYNC_AGREEMENTS_FILE    Path to the agreements YAML (default: agreements.yaml)
//	WINSYNC_STATUS_ADDR        Status server listen address (default: :8080)
//	WINSYNC_DEFAULT_TIMEOUT    Per-operation LDAP timeout for agreements that
//	                           don't set their own (default: 30s)
package options
