package client

import (
	"context"
	"encoding/json"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/response"
)

// Transport sends one framed artifact line and waits for the single
// response line the server writes back, per spec section 6's "every
// request yields exactly one response line followed by a half-close".
// It abstracts over the connection manager's wire framing so this
// package never has to own a socket itself.
type Transport interface {
	Send(ctx context.Context, line []byte) ([]byte, error)
}

// Session is the local authentication state authenticate/refreshSession
// establish and replace.
type Session struct {
	AgentID      string
	Identity     string
	RefreshToken string
	Key          KeyPair
}

func authDocument(authToken string, agentInfo map[string]string, publicKeyPEM []byte) map[string]interface{} {
	doc := map[string]interface{}{
		"authToken": authToken,
		"publicKey": string(publicKeyPEM),
	}
	if agentInfo != nil {
		doc["agentInfo"] = agentInfo
	}
	return doc
}

func refreshDocument(refreshToken string, agentInfo map[string]string, publicKeyPEM []byte) map[string]interface{} {
	doc := map[string]interface{}{
		"refreshToken": refreshToken,
		"publicKey":    string(publicKeyPEM),
	}
	if agentInfo != nil {
		doc["agentInfo"] = agentInfo
	}
	return doc
}

// Authenticate sends an auth.request artifact built from a freshly
// generated local keypair and a short-lived auth token, and returns the
// session the server minted in its response document.
func (b *Builder) Authenticate(ctx context.Context, transport Transport, id string, authToken string, key KeyPair, agentInfo map[string]string) (Session, error) {
	a, err := b.BuildAgent(ctx, AgentOptions{
		Action:   artifact.ActionAuthRequest,
		AgentID:  "",
		To:       id,
		Document: authDocument(authToken, agentInfo, key.PublicKeyPEM),
		Key:      key,
	})
	if err != nil {
		return Session{}, err
	}
	return b.sendAndParseSession(ctx, transport, a, id, key)
}

// RefreshSession sends an auth.refresh artifact for an already-minted
// agent and, on success, replaces the local session with the rotated
// refresh token the server issues.
func (b *Builder) RefreshSession(ctx context.Context, transport Transport, agentID, id, refreshToken string, key KeyPair, agentInfo map[string]string) (Session, error) {
	a, err := b.BuildAgent(ctx, AgentOptions{
		Action:   artifact.ActionAuthRefresh,
		AgentID:  agentID,
		To:       id,
		Document: refreshDocument(refreshToken, agentInfo, key.PublicKeyPEM),
		Key:      key,
	})
	if err != nil {
		return Session{}, err
	}
	return b.sendAndParseSession(ctx, transport, a, id, key)
}

func (b *Builder) sendAndParseSession(ctx context.Context, transport Transport, a artifact.Agent, id string, key KeyPair) (Session, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return Session{}, berrors.Wrap(berrors.InvalidJSON, err, "marshal outgoing agent artifact")
	}

	replyLine, err := transport.Send(ctx, raw)
	if err != nil {
		return Session{}, err
	}

	var res response.Response
	if err := json.Unmarshal(replyLine, &res); err != nil {
		return Session{}, berrors.Wrap(berrors.InvalidJSON, err, "parse auth response")
	}
	if !res.Status.OK {
		return Session{}, berrors.AuthenticationInvalidError("%s", res.Status.Message)
	}

	var doc struct {
		AgentID      string `json:"agentId"`
		RefreshToken string `json:"refreshToken"`
	}
	if res.Document != nil {
		docBytes, err := json.Marshal(res.Document)
		if err != nil {
			return Session{}, berrors.Wrap(berrors.InvalidJSON, err, "marshal auth response document")
		}
		if err := json.Unmarshal(docBytes, &doc); err != nil {
			return Session{}, berrors.Wrap(berrors.InvalidJSON, err, "parse auth response document")
		}
	}

	return Session{
		AgentID:      doc.AgentID,
		Identity:     id,
		RefreshToken: doc.RefreshToken,
		Key:          key,
	}, nil
}
