// Package module defines the module metadata model and the registry the
// engine dispatches against.
package module

// DataType is one of the closed set of port/value types used for connection
// compatibility.
type DataType string

const (
	TypeAny             DataType = "any"
	TypeString          DataType = "string"
	TypeNumber          DataType = "number"
	TypeBoolean         DataType = "boolean"
	TypeObject          DataType = "object"
	TypeArray           DataType = "array"
	TypeJSON            DataType = "json"
	TypeFile            DataType = "file"
	TypeImage           DataType = "image"
	TypeBinary          DataType = "binary"
	TypeHTML            DataType = "html"
	TypeTable           DataType = "table"
	TypeBrowserInstance DataType = "browser_instance"
	TypeBrowserPage     DataType = "browser_page"
	TypeBrowserElement  DataType = "browser_element"
	TypeAIModel         DataType = "ai_model"
	TypeAIMemory        DataType = "ai_memory"
	TypeAITool          DataType = "ai_tool"
	TypeCredential      DataType = "credential"
	TypeHTTPResponse    DataType = "http_response"
)

// AllDataTypes enumerates the closed set.
var AllDataTypes = []DataType{
	TypeAny, TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray,
	TypeJSON, TypeFile, TypeImage, TypeBinary, TypeHTML, TypeTable,
	TypeBrowserInstance, TypeBrowserPage, TypeBrowserElement,
	TypeAIModel, TypeAIMemory, TypeAITool, TypeCredential, TypeHTTPResponse,
}

// ValidDataType reports whether t is in the closed set.
func ValidDataType(t DataType) bool {
	for _, dt := range AllDataTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// subtypeOf declares the type hierarchy: a value of the key type may be used
// where the value type is expected.
var subtypeOf = map[DataType]DataType{
	TypeBrowserPage:    TypeBrowserInstance,
	TypeBrowserElement: TypeBrowserPage,
	TypeObject:         TypeJSON,
	TypeHTTPResponse:   TypeObject,
}

// Compatible reports whether a value of type `from` may flow into a port of
// type `to`: exact match, `any` on either end, or the declared hierarchy.
func Compatible(from, to DataType) bool {
	if from == to || from == TypeAny || to == TypeAny {
		return true
	}
	for cur := from; ; {
		parent, ok := subtypeOf[cur]
		if !ok {
			return false
		}
		if parent == to {
			return true
		}
		cur = parent
	}
}
