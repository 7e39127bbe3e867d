// Package direct implements an Ext.Direct remoting server on top of the
// endpoint package.
//
// # Basic Usage
//
// Register actions in a Registry, create a Router and mount it:
//
//	reg := direct.NewRegistry()
//	reg.Action("Profile").
//		Method("getBasicInfo", 1, direct.Func1(getBasicInfo))
//
//	rt := direct.NewRouter(reg)
//	mux := http.NewServeMux()
//	rt.Mount(mux)
//	http.ListenAndServe(":8080", mux)
//
// The page loads the API script from the API path (default /direct/api),
// which declares Ext.app.REMOTING_API for Ext.direct.Manager.addProvider.
//
// # Handlers
//
// A HandlerFunc receives the positional arguments of the call as Args. Each
// element is the json.RawMessage sent by the client; Func0, Func1 and Func2
// decode them into typed parameters:
//
//	func getBasicInfo(ctx context.Context, uid int) (*Info, error)
//
// Len is declared at registration and checked before the handler runs. A
// call with the wrong number of arguments, or arguments that fail to decode
// with ErrArity, is answered with an "Invalid method" exception.
//
// # Form Submissions
//
// Methods registered with AcceptsFiles are advertised as form handlers. The
// client posts them as urlencoded or multipart forms carrying extAction,
// extMethod, extTID, extUpload and extType. The handler receives one
// *FormData argument with the remaining fields and uploaded files, and the
// response is wrapped in an HTML textarea.
//
// # Permissions
//
// A method registered WithPermission (or under an action with
// WithDefaultPermission) is only called when the Authorizer allows it.
// Denial produces ErrAccessDenied, which is handled like any handler error.
//
// # Errors
//
// Handler errors and recovered panics become "exception" envelopes. With
// WithExposeExceptions(false) the message is replaced by a generic one.
// Exception views registered with WithExceptionView may instead turn an
// error into a regular result:
//
//	direct.WithExceptionView(direct.MatchError(ErrNotLoggedIn,
//		func(ctx context.Context, err error, r *http.Request) (any, bool) {
//			return map[string]any{"success": false, "login": true}, true
//		}))
package direct
