// SPDX-License-Identifier: MIT

// Deliberately violates the fault-kind mapping rules; loaded by the gate
// test, never compiled into the module.
package violation

import "net/http"

func Violate(w http.ResponseWriter) {
	code := "RATE_LIMITED"
	_ = code
	w.WriteHeader(502)
}
