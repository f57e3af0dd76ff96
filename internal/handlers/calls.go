package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// CallHandler hands clients the ICE servers they need to set up the peer
// connection negotiated over the call signaling events.
type CallHandler struct {
	servers []ICEServer
}

func NewCallHandler(stunServers, turnServer, turnUsername, turnPassword string) *CallHandler {
	var servers []ICEServer

	var stun []string
	for _, s := range strings.Split(stunServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stun = append(stun, s)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, ICEServer{URLs: stun})
	}
	if turnServer != "" {
		servers = append(servers, ICEServer{
			URLs:       []string{turnServer},
			Username:   turnUsername,
			Credential: turnPassword,
		})
	}
	return &CallHandler{servers: servers}
}

func (h *CallHandler) GetICEConfig(c *gin.Context) {
	servers := h.servers
	if servers == nil {
		servers = []ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"ice_servers": servers})
}
