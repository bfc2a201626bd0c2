package sqlassets

import _ "embed"

//go:embed schema/tenants.sql
var TenantsSQL string

//go:embed schema/ledger.sql
var LedgerSQL string
