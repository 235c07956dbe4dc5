package main

import (
	"context"
	"encoding/json"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/auth"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/blog"
	"github.com/openbtps/btps-node-sub001/pipeline"
	"github.com/openbtps/btps-node-sub001/response"
)

// authDocument and refreshDocument mirror the document shapes the
// client package builds in client/auth.go: this is the other end of
// that wire contract.
type authDocument struct {
	AuthToken string            `json:"authToken"`
	PublicKey string            `json:"publicKey"`
	AgentInfo map[string]string `json:"agentInfo"`
}

type refreshDocument struct {
	RefreshToken string            `json:"refreshToken"`
	PublicKey    string            `json:"publicKey"`
	AgentInfo    map[string]string `json:"agentInfo"`
}

// serverDispatcher implements pipeline.Dispatcher for spec section
// 4.6 step 6: it only needs to compute a synchronous response for the
// agent actions that mint or rotate a session (auth.request,
// auth.refresh); every other immediate action gets the pipeline's
// default ok/200 acknowledgement, since trust-affecting side effects
// already happened in the trust stage and the remaining mailbox
// actions (inbox.*, draft.*, sentbox.*, outbox.*, trash.*) have no
// storage module of their own in this build.
type serverDispatcher struct {
	Auth *auth.Service
	Log  blog.Logger
}

func (d *serverDispatcher) Dispatch(ctx context.Context, p artifact.Parsed, reqID string) (response.Response, bool, error) {
	a, ok := p.Value.(artifact.Agent)
	if !ok {
		return response.Response{}, false, nil
	}

	switch a.Action {
	case artifact.ActionAuthRequest:
		return d.dispatchAuthRequest(a, reqID)
	case artifact.ActionAuthRefresh:
		return d.dispatchAuthRefresh(a, reqID)
	default:
		return response.Response{}, false, nil
	}
}

func (d *serverDispatcher) dispatchAuthRequest(a artifact.Agent, reqID string) (response.Response, bool, error) {
	var doc authDocument
	if err := json.Unmarshal(a.Document, &doc); err != nil {
		return response.Response{}, false, berrors.Wrap(berrors.Validation, err, "decode auth.request document")
	}

	valid, err := d.Auth.ValidateAuthToken(a.To, doc.AuthToken)
	if err != nil {
		return response.Response{}, false, err
	}

	created, err := d.Auth.CreateAgent(auth.CreateAgentRequest{
		UserIdentity: valid.UserIdentity,
		PublicKeyPEM: []byte(doc.PublicKey),
		AgentInfo:    doc.AgentInfo,
		DecidedBy:    valid.UserIdentity,
	})
	if err != nil {
		return response.Response{}, false, err
	}

	if d.Log != nil {
		d.Log.Infof("minted agent %s for %s", created.AgentID, valid.UserIdentity)
	}

	return response.OK(reqID, map[string]interface{}{
		"agentId":      created.AgentID,
		"refreshToken": created.RefreshToken,
		"expiresAt":    created.ExpiresAt,
	}), true, nil
}

func (d *serverDispatcher) dispatchAuthRefresh(a artifact.Agent, reqID string) (response.Response, bool, error) {
	var doc refreshDocument
	if err := json.Unmarshal(a.Document, &doc); err != nil {
		return response.Response{}, false, berrors.Wrap(berrors.Validation, err, "decode auth.refresh document")
	}

	result, err := d.Auth.ValidateAndReissueRefreshToken(a.AgentID, doc.RefreshToken, auth.RefreshOptions{
		NewPublicKeyPEM: []byte(doc.PublicKey),
	})
	if err != nil {
		return response.Response{}, false, err
	}

	return response.OK(reqID, map[string]interface{}{
		"agentId":      a.AgentID,
		"refreshToken": result.RefreshToken,
		"expiresAt":    result.ExpiresAt,
	}), true, nil
}

var _ pipeline.Dispatcher = (*serverDispatcher)(nil)
