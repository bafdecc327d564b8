// internal/service/inventory/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/service/inventory/domain"
)

// AdminHandler 暴露商品目录的运维接口和 saga 账目的只读查询。
// 这些接口不参与 saga 流程，库存数量只能被事件驱动的预留/退回改动。
type AdminHandler struct {
	repo domain.InventoryRepository
	clk  clock.Clock
}

func NewAdminHandler(repo domain.InventoryRepository, clk clock.Clock) *AdminHandler {
	return &AdminHandler{repo: repo, clk: clk}
}

// Register 挂载路由。
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/products", h.handleProducts)
	mux.HandleFunc("/api/products/get", h.handleGetProduct)
	mux.HandleFunc("/api/products/update", h.handleUpdateProduct)
	mux.HandleFunc("/api/products/delete", h.handleDeleteProduct)
	mux.HandleFunc("/api/stock", h.handleGetStock)
	mux.HandleFunc("/api/sagas", h.handleGetSaga)
}

type createProductRequest struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Price        float64 `json:"price"`
	InitialStock int     `json:"initialStock"`
}

func (h *AdminHandler) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := h.repo.ListActive(r.Context())
		if err != nil {
			h.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		h.writeJSON(w, http.StatusOK, products)

	case http.MethodPost:
		var req createProductRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if req.Name == "" || req.Price <= 0 || req.InitialStock < 0 {
			h.writeError(w, r, http.StatusBadRequest, errors.New("name, positive price and non-negative initialStock are required"))
			return
		}
		product, err := domain.NewProduct(uuid.NewString(), req.Name, req.Description, req.Price, h.clk)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := h.repo.Add(r.Context(), product, req.InitialStock); err != nil {
			h.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, product)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	product, stock, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrStockNotFound) {
			h.writeError(w, r, http.StatusNotFound, err)
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"product": product, "stock": stock})
}

func (h *AdminHandler) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var product domain.Product
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if product.ID == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	if err := h.repo.Update(r.Context(), &product); err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			h.writeError(w, r, http.StatusNotFound, err)
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &product)
}

func (h *AdminHandler) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	if err := h.repo.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			h.writeError(w, r, http.StatusNotFound, err)
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("productId")
	if productID == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("productId is required"))
		return
	}
	stock, err := h.repo.GetStock(r.Context(), productID)
	if err != nil {
		if errors.Is(err, domain.ErrStockNotFound) {
			h.writeError(w, r, http.StatusNotFound, err)
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stock)
}

func (h *AdminHandler) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := r.URL.Query().Get("sagaId")
	if sagaID == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("sagaId is required"))
		return
	}
	saga, err := h.repo.GetSaga(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			h.writeError(w, r, http.StatusNotFound, err)
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, saga)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
