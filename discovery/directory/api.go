// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package directory serves the global capabilities directory over the
// Connect protocol and provides the matching client.
package directory

import (
	"encoding/json"

	"github.com/absmach/fluxrpc/discovery"
)

const (
	ServiceName = "fluxrpc.directory.v1.DirectoryService"

	AddProcedure    = "/" + ServiceName + "/Add"
	LookupProcedure = "/" + ServiceName + "/Lookup"
	RemoveProcedure = "/" + ServiceName + "/Remove"
)

type AddRequest struct {
	Entry discovery.Entry `json:"entry"`
}

type LookupRequest struct {
	Domains       []string `json:"domains"`
	InterfaceName string   `json:"interfaceName"`
}

type LookupResponse struct {
	Entries []discovery.Entry `json:"entries"`
}

type RemoveRequest struct {
	ParticipantID string `json:"participantId"`
}

type Empty struct{}

// jsonCodec replaces the protobuf codecs; directory messages are plain
// structs encoded the same way as the rest of the wire format.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
