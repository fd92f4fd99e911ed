// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/wishreel/wishreel/internal/assets"
)

// assetListing is the /pipeline/bgm response: every selectable track and
// preset voice. Deployments without an asset library answer with empty
// lists rather than an error so clients need no capability probe.
type assetListing struct {
	Tracks []assets.Track `json:"tracks"`
	Voices []assets.Voice `json:"voices"`
}

func (s *Server) handleAssetList(w http.ResponseWriter, r *http.Request) {
	listing := assetListing{Tracks: []assets.Track{}, Voices: []assets.Voice{}}
	if s.catalog != nil {
		tracks, err := s.catalog.Tracks(r.Context())
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		voices, err := s.catalog.Voices(r.Context())
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		if tracks != nil {
			listing.Tracks = tracks
		}
		if voices != nil {
			listing.Voices = voices
		}
	}
	writeJSON(w, http.StatusOK, listing)
}
