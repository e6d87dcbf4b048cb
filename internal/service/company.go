package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// CompanyService registers and looks up tenants.
type CompanyService struct {
	companies store.CompanyStore
	logger    *logger.Logger
}

// NewCompanyService creates a new company service.
func NewCompanyService(companies store.CompanyStore, log *logger.Logger) *CompanyService {
	return &CompanyService{companies: companies, logger: log}
}

// Create registers a company. Name and description are both required,
// since the AI responder introduces itself with them.
func (s *CompanyService) Create(ctx context.Context, req *model.CreateCompanyRequest) (*model.Company, error) {
	name := strings.TrimSpace(req.Name)
	desc := strings.TrimSpace(req.Description)
	if name == "" || desc == "" {
		return nil, model.Validationf("name and description are required")
	}
	if len(name) > 255 {
		return nil, model.Validationf("name exceeds 255 characters")
	}

	c, err := s.companies.CreateCompany(ctx, model.Company{Name: name, Description: desc})
	if err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}
	s.logger.Info("company created", zap.String("company_id", c.ID))
	return &c, nil
}

// Get returns a company or model.ErrNotFound.
func (s *CompanyService) Get(ctx context.Context, id string) (*model.Company, error) {
	c, err := s.companies.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every company, newest first.
func (s *CompanyService) List(ctx context.Context) ([]model.Company, error) {
	return s.companies.ListCompanies(ctx)
}
