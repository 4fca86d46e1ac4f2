package pipeline

import "net"

// netLookupAddr is split out from stdlibHostname.Resolve so tests can
// stub it without a real network lookup.
var netLookupAddr = net.LookupAddr
