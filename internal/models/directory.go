package models

import "strings"

// Employee mirrors the directory's employee table. The chat core only reads it.
type Employee struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	CompanyID  uint   `gorm:"index;not null" json:"company_id"`
	FirstName  string `gorm:"size:100" json:"first_name"`
	LastName   string `gorm:"size:100" json:"last_name"`
	Department string `gorm:"size:120;index" json:"department"`
	IsActive   bool   `gorm:"not null;default:true" json:"is_active"`
}

// DisplayName joins first and last name.
func (e Employee) DisplayName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// ProjectMember links an employee to a project team.
type ProjectMember struct {
	ProjectID  uint `gorm:"primaryKey" json:"project_id"`
	EmployeeID uint `gorm:"primaryKey" json:"employee_id"`
}
