package chat

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/parley-chat/parley/internal/v1/cluster"
)

// RoomSummary is one row of the admin room listing.
type RoomSummary struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Node    string `json:"node"`
	Members int    `json:"members,omitempty"`
}

// RoomsHandler serves the admin view of the cluster's rooms: every public
// room with its authoritative node, plus the private replicas resident on
// this node.
func RoomsHandler(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		public, err := h.registry.Enumerate(c.Request.Context(), cluster.KindRoom)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "room enumeration failed"})
			return
		}

		out := make([]RoomSummary, 0, len(public))
		for name, reg := range public {
			summary := RoomSummary{Name: name, Kind: string(KindPublic), Node: reg.Node}
			if local := h.localRoom(name); local != nil {
				summary.Members = len(local.Members())
			}
			out = append(out, summary)
		}
		for _, r := range h.LocalRooms() {
			if r.Kind() != KindPrivate {
				continue
			}
			out = append(out, RoomSummary{
				Name:    r.Name(),
				Kind:    string(KindPrivate),
				Node:    h.node,
				Members: len(r.Members()),
			})
		}

		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		c.JSON(http.StatusOK, out)
	}
}
