// Package all wires the built-in storage backends into the storage factory.
// Import it for side effects:
//
//	import _ "sira/internal/storage/all"
package all

import (
	_ "sira/internal/storage/postgres"
	_ "sira/internal/storage/sqlite"
)
