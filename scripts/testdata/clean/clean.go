// SPDX-License-Identifier: MIT

// A file the fault-kind gate must accept: statuses come from constants,
// codes from the fault package.
package clean

import "net/http"

func Respond(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
}
