package api

import (
	"context"

	"github.com/org/secretapproval/pkg/models"
)

type ctxKey struct{}

// requestInfo is allocated once per request by requestIDMiddleware.
// authMiddleware fills in the token, so middleware outside the
// authenticated group can still see who made the call.
type requestInfo struct {
	id    string
	token *models.Token
}

func withRequestInfo(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, &requestInfo{id: id})
}

func infoFromCtx(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(ctxKey{}).(*requestInfo)
	return info
}

// withToken records t on the request. Requests that skipped
// requestIDMiddleware get a fresh info value.
func withToken(ctx context.Context, t *models.Token) context.Context {
	info := infoFromCtx(ctx)
	if info == nil {
		ctx = withRequestInfo(ctx, "")
		info = infoFromCtx(ctx)
	}
	info.token = t
	return ctx
}

func tokenFromCtx(ctx context.Context) *models.Token {
	if info := infoFromCtx(ctx); info != nil {
		return info.token
	}
	return nil
}

func requestIDFromCtx(ctx context.Context) string {
	if info := infoFromCtx(ctx); info != nil {
		return info.id
	}
	return ""
}

// actorFromCtx is the user id of the authenticated caller, or "".
func actorFromCtx(ctx context.Context) string {
	if t := tokenFromCtx(ctx); t != nil {
		return t.UserID
	}
	return ""
}
