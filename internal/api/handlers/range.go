package handlers

import (
	"net/http"

	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// maxListedAddresses caps the address list of a range response.
const maxListedAddresses = 1024

// RangeResponse describes the addresses covered by ip/mask.
type RangeResponse struct {
	CIDR      string   `json:"cidr"`
	PrefixLen int      `json:"prefix_len"`
	Mask      string   `json:"mask"`
	Network   string   `json:"network"`
	Broadcast string   `json:"broadcast"`
	Size      uint64   `json:"size"`
	Addresses []string `json:"addresses"`
	Truncated bool     `json:"truncated"`
}

// RangeHandler serves range calculations.
type RangeHandler struct {
	defaults TargetDefaults
	logger   *logging.Logger
}

// NewRangeHandler creates a new range handler.
func NewRangeHandler(defaults TargetDefaults, logger *logging.Logger) *RangeHandler {
	return &RangeHandler{defaults: defaults, logger: logger.WithComponent("range")}
}

// GetRange describes the range selected by the ip and mask query parameters.
func (h *RangeHandler) GetRange(w http.ResponseWriter, r *http.Request) {
	req, err := parseTarget(r, h.defaults)
	if err != nil {
		writeError(w, r, 0, err)
		return
	}

	rng, err := scanning.NewRange(req.Base, req.PrefixLen)
	if err != nil {
		writeError(w, r, 0, err)
		return
	}

	response := RangeResponse{
		CIDR:      rng.String(),
		PrefixLen: rng.PrefixLen(),
		Mask:      scanning.SubnetMaskDotted(rng.PrefixLen()),
		Network:   rng.Network().String(),
		Broadcast: rng.Broadcast().String(),
		Size:      rng.Size(),
		Addresses: make([]string, 0, min(rng.Size(), maxListedAddresses)),
	}
	for addr := range rng.All() {
		if len(response.Addresses) == maxListedAddresses {
			response.Truncated = true
			break
		}
		response.Addresses = append(response.Addresses, addr.String())
	}

	h.logger.Debug("Range computed", "cidr", response.CIDR, "size", response.Size)
	writeJSON(w, r, http.StatusOK, response)
}
