package ctx

import (
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "splitlab/internal/db"
)

const (
	UserKey   = "user"
	APIKeyKey = "apiKey"
)

func SetUser(ctx *fasthttp.RequestCtx, user *dbpkg.User) {
	ctx.SetUserValue(UserKey, user)
}

func UserFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	u, ok := ctx.UserValue(UserKey).(*dbpkg.User)
	return u, ok && u != nil
}

func SetAPIKey(ctx *fasthttp.RequestCtx, apiKey *dbpkg.APIKey) {
	ctx.SetUserValue(APIKeyKey, apiKey)
}

func APIKeyFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.APIKey, bool) {
	ak, ok := ctx.UserValue(APIKeyKey).(*dbpkg.APIKey)
	return ak, ok && ak != nil
}

// ClientIP prefers the CF-Connecting-IP header set by the edge proxy and
// falls back to the peer address.
func ClientIP(ctx *fasthttp.RequestCtx) string {
	if ip := ctx.Request.Header.Peek("CF-Connecting-IP"); len(ip) > 0 {
		return string(ip)
	}
	return ctx.RemoteIP().String()
}

// CookieJar reads request cookies and writes response cookies. Values set
// during the request are visible to later Gets of the same request.
type CookieJar struct {
	ctx *fasthttp.RequestCtx
	set map[string]string
}

func NewCookieJar(ctx *fasthttp.RequestCtx) *CookieJar {
	return &CookieJar{ctx: ctx, set: make(map[string]string)}
}

func (j *CookieJar) Get(name string) string {
	if v, ok := j.set[name]; ok {
		return v
	}
	return string(j.ctx.Request.Header.Cookie(name))
}

func (j *CookieJar) Set(name, value string, ttl time.Duration) {
	j.set[name] = value

	c := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(c)
	c.SetKey(name)
	c.SetValue(value)
	c.SetPath("/")
	c.SetHTTPOnly(true)
	c.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	c.SetExpire(time.Now().Add(ttl))
	c.SetMaxAge(int(ttl.Seconds()))
	j.ctx.Response.Header.SetCookie(c)
}
