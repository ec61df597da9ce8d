package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
)

func writeCart(w http.ResponseWriter, c *cart.Cart) {
	now := time.Now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, c, now) })
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.GetOrCreate(r.Context(), chi.URLParam(r, "customerId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := req.decode(r); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.carts.AddItem(r.Context(), cart.AddItemRequest{
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		VariantID:  req.VariantID,
		Quantity:   req.Quantity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := req.decode(r); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.carts.UpdateItemQuantity(r.Context(), req.CartItemID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.RemoveItem(r.Context(), chi.URLParam(r, "cartItemId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Clear(r.Context(), chi.URLParam(r, "customerId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, c)
}

// applyCoupon prices the code against the current lines and stores the
// resulting amount on the cart. An empty code removes the coupon.
func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := req.decode(r); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.carts.ApplyCouponCode(r.Context(), req.CustomerID, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, c)
}
