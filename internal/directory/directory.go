// Package directory adapts the application's employee directory into the
// participant records the chat core works with. The directory is owned by the
// wider application; this package only reads from it.
package directory

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ErrParticipantNotFound indicates the identity does not map to an active employee.
var ErrParticipantNotFound = errors.New("participant not found")

// Participant is the chat core's view of an employee.
type Participant struct {
	ID          uint   `json:"id"`
	DisplayName string `json:"display_name"`
	CompanyID   uint   `json:"company_id"`
	Department  string `json:"department"`
}

// Directory resolves identities and team rosters.
type Directory interface {
	Resolve(ctx context.Context, participantID uint) (Participant, error)
	CompanyMembers(ctx context.Context, companyID uint, department string) ([]Participant, error)
	ProjectMembers(ctx context.Context, projectID uint) ([]Participant, error)
}

type gormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory reads participants from the directory tables.
func NewGormDirectory(db *gorm.DB) Directory {
	return &gormDirectory{db: db}
}

func (d *gormDirectory) Resolve(ctx context.Context, participantID uint) (Participant, error) {
	var employee models.Employee
	err := d.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", participantID, true).
		First(&employee).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, err
	}
	return fromEmployee(employee), nil
}

// CompanyMembers lists active employees of a company. An empty department
// returns the whole company.
func (d *gormDirectory) CompanyMembers(ctx context.Context, companyID uint, department string) ([]Participant, error) {
	query := d.db.WithContext(ctx).Where("company_id = ? AND is_active = ?", companyID, true)
	if department != "" {
		query = query.Where("department = ?", department)
	}

	var employees []models.Employee
	if err := query.Order("id ASC").Find(&employees).Error; err != nil {
		return nil, err
	}
	return fromEmployees(employees), nil
}

func (d *gormDirectory) ProjectMembers(ctx context.Context, projectID uint) ([]Participant, error) {
	var employees []models.Employee
	err := d.db.WithContext(ctx).
		Model(&models.Employee{}).
		Joins("JOIN project_members ON project_members.employee_id = employees.id").
		Where("project_members.project_id = ? AND employees.is_active = ?", projectID, true).
		Order("employees.id ASC").
		Find(&employees).Error
	if err != nil {
		return nil, err
	}
	return fromEmployees(employees), nil
}

func fromEmployee(employee models.Employee) Participant {
	return Participant{
		ID:          employee.ID,
		DisplayName: employee.DisplayName(),
		CompanyID:   employee.CompanyID,
		Department:  employee.Department,
	}
}

func fromEmployees(employees []models.Employee) []Participant {
	out := make([]Participant, 0, len(employees))
	for _, employee := range employees {
		out = append(out, fromEmployee(employee))
	}
	return out
}
