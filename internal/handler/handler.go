// Package handler exposes the cart and order services over HTTP/JSON.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/pkg/httpmiddleware"
)

// Carts is the cart use-case surface served by the handler.
type Carts interface {
	GetOrCreate(ctx context.Context, customerID string) (*cart.Cart, error)
	AddItem(ctx context.Context, req cart.AddItemRequest) (*cart.Cart, error)
	UpdateItemQuantity(ctx context.Context, itemID string, quantity int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, itemID string) (*cart.Cart, error)
	Clear(ctx context.Context, customerID string) (*cart.Cart, error)
	ApplyCouponCode(ctx context.Context, customerID, code string) (*cart.Cart, error)
}

// Orders is the order use-case surface served by the handler.
type Orders interface {
	Checkout(ctx context.Context, customerID string) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]order.Order, error)
	Cancel(ctx context.Context, orderID string) (*order.Order, error)
}

// Handler serves the /api routes.
type Handler struct {
	carts  Carts
	orders Orders
	auth   Authenticator
}

// NewHandler creates a Handler. A nil auth disables API key checks.
func NewHandler(carts Carts, orders Orders, auth Authenticator) *Handler {
	return &Handler{
		carts:  carts,
		orders: orders,
		auth:   auth,
	}
}

// Routes mounts the API under /api on a new router. extra is mounted at the
// root, for health checks.
func (h *Handler) Routes(extra func(r chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	if extra != nil {
		extra(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.Route("/cart", func(r chi.Router) {
			r.Post("/", h.addItem)
			r.Patch("/item", h.updateItem)
			r.Delete("/item/{cartItemId}", h.removeItem)
			r.Delete("/clear/{customerId}", h.clearCart)
			r.Post("/coupon", h.applyCoupon)
			r.Get("/{customerId}", h.getCart)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Post("/checkout", h.checkout)
			r.Get("/", h.listOrders)
			r.Get("/{orderId}", h.getOrder)
			r.Post("/{orderId}/cancel", h.cancelOrder)
		})
	})
	return r
}

// RouteContext pre-allocates the chi routing context so middlewares running
// outside the router can read the matched pattern after the request.
func RouteContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.RouteContext(r.Context()) == nil {
			ctx := context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext())
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// RouteFinder reports the chi route pattern that served r. It needs
// RouteContext to run first.
func RouteFinder(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
