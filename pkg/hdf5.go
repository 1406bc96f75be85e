package triggerdaq

import (
	"errors"
	"fmt"

	"gonum.org/v1/hdf5"
)

type RunInfoHDF5 struct {
	description   [DESCLEN]byte
	timestamp     [STRLEN]byte
	runDurationMs uint32
}

type StreamInfoHDF5 struct {
	source       [STRLEN]byte
	number       int32
	acqRateMHz   float64
	recordSize   uint32
	sampleSize   uint32
	dataTypeSize uint32
	dataFormat   int32
	bitDepth     uint32
	nChannels    uint32
}

type ChannelInfoHDF5 struct {
	channel        int32
	voltageOffset  float64
	voltageRange   float64
	dacGain        float64
	frequencyMin   float64
	frequencyRange float64
}

type RecordInfoHDF5 struct {
	recordID       uint64
	timeNs         int64
	acquisitionID  uint32
	newAcquisition uint8
}

const STRLEN = 32
const DESCLEN = 256

func convertToHdf5String(s string) [STRLEN]byte {
	var byteArray [STRLEN]byte
	copy(byteArray[:], s)
	return byteArray
}

func convertToHdf5Description(s string) [DESCLEN]byte {
	var byteArray [DESCLEN]byte
	copy(byteArray[:], s)
	return byteArray
}

func openFile(fname string) (*hdf5.File, error) {
	f, err := hdf5.CreateFile(fname, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, &ErrOpenFile{Filename: fname, Err: err}
	}
	return f, nil
}

type groupCreator interface {
	CreateGroup(name string) (*hdf5.Group, error)
}

func createGroup(parent groupCreator, groupName string) (*hdf5.Group, error) {
	g, err := parent.CreateGroup(groupName)
	if err != nil {
		return nil, &ErrCreateGroup{GroupName: groupName, Err: err}
	}
	return g, nil
}

// datasetProperties builds the chunked creation property list with the
// configured compression.
func datasetProperties(chunks []uint) (*hdf5.PropList, error) {
	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, err
	}
	if err := plist.SetChunk(chunks); err != nil {
		plist.Close()
		return nil, err
	}
	if configuration.Compression == CompressionDeflate {
		if err := plist.SetDeflate(configuration.CompressionLevel); err != nil {
			plist.Close()
			return nil, err
		}
	}
	return plist, nil
}

func create2dArray(group *hdf5.Group, name string, width int, dtype *hdf5.Datatype) (*hdf5.Dataset, error) {
	dimsArray := []uint{0, uint(width)}
	unlimitedDims := -1 // H5S_UNLIMITED is -1L
	maxDimsArray := []uint{uint(unlimitedDims), uint(width)}
	chunks := []uint{1, uint(width)}

	fileSpace, err := hdf5.CreateSimpleDataspace(dimsArray, maxDimsArray)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	defer fileSpace.Close()

	plist, err := datasetProperties(chunks)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	defer plist.Close()

	dset, err := group.CreateDatasetWith(name, dtype, fileSpace, plist)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	return dset, nil
}

func createTable(group *hdf5.Group, name string, datatype interface{}) (*hdf5.Dataset, error) {
	dims := []uint{0}
	unlimitedDims := -1 // H5S_UNLIMITED is -1L
	maxDims := []uint{uint(unlimitedDims)}
	fileSpace, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	defer fileSpace.Close()

	plist, err := datasetProperties([]uint{32768})
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	defer plist.Close()

	// create the memory data type
	dtype, err := hdf5.NewDatatypeFromValue(datatype)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}

	dset, err := group.CreateDatasetWith(name, dtype, fileSpace, plist)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	return dset, nil
}

func writeEntryToTable[T any](dataset *hdf5.Dataset, data T, counter int) error {
	array := []T{data}
	return writeArrayToTable(dataset, &array, counter)
}

func writeArrayToTable[T any](dataset *hdf5.Dataset, data *[]T, counter int) error {
	length := uint(len(*data))
	if length == 0 {
		return nil
	}
	dataspace, err := hdf5.CreateSimpleDataspace([]uint{length}, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	// extend
	rowsInFile := uint(counter)
	if err := dataset.Resize([]uint{rowsInFile + length}); err != nil {
		return err
	}
	filespace := dataset.Space()
	defer filespace.Close()

	if err := filespace.SelectHyperslab([]uint{rowsInFile}, nil, []uint{length}, nil); err != nil {
		return err
	}
	return dataset.WriteSubset(data, dataspace, filespace)
}

func write2dRow(dataset *hdf5.Dataset, data *[]byte, counter int, width int) error {
	if len(*data) != width {
		return fmt.Errorf("row has %d bytes, dataset expects %d", len(*data), width)
	}
	// extend
	if err := dataset.Resize([]uint{uint(counter) + 1, uint(width)}); err != nil {
		return err
	}
	filespace := dataset.Space()
	defer filespace.Close()

	start := []uint{uint(counter), 0}
	count := []uint{1, uint(width)}
	if err := filespace.SelectHyperslab(start, nil, count, nil); err != nil {
		return err
	}

	dataspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	return dataset.WriteSubset(data, dataspace, filespace)
}

type closer interface {
	Close() error
}

func closeAll(what string, items ...closer) error {
	var errs []error
	for _, item := range items {
		if item == nil {
			continue
		}
		if err := item.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing %s: %w", what, err))
		}
	}
	return errors.Join(errs...)
}
